package devicefactory

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/device/go-ble"
)

// Stack is a radio stack that can check an adapter before use.
type Stack interface {
	device.Stack
	Probe(adapter string) error
}

// NewStack creates the process-wide radio stack.
// This is a variable so that it can be overridden in tests.
var NewStack = func(logger *logrus.Logger, opts goble.StackOptions) Stack {
	return goble.NewStack(logger, opts)
}

// SessionFactory hands the shared stack to each new session once the adapter
// has been opened successfully.
func SessionFactory(stack Stack, adapter string) func() (device.Stack, error) {
	return func() (device.Stack, error) {
		if err := stack.Probe(adapter); err != nil {
			return nil, err
		}
		return stack, nil
	}
}
