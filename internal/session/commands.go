package session

import (
	"context"
	"fmt"
	"time"

	"github.com/srg/bleproxy/internal/device"
	"github.com/srg/bleproxy/internal/protocol"
)

// dispatch executes one command and returns the event answering it.
func (s *Session) dispatch(ctx context.Context, cmd protocol.Command) protocol.Event {
	log := s.logger.WithField("command", cmd.Type())
	log.Debug("Processing command")

	if s.adapter == nil {
		return s.operationError(operationOf(cmd), s.unavailable)
	}

	switch c := cmd.(type) {
	case protocol.Connect:
		return s.handleConnect(ctx, c)
	case protocol.Disconnect:
		return s.handleDisconnect()
	case protocol.Write:
		return s.handleWrite(c)
	case protocol.Subscribe:
		return s.handleSubscribe(c)
	case protocol.Unsubscribe:
		return s.handleUnsubscribe(c)
	case protocol.Discover:
		return s.handleDiscover(ctx, c)
	default:
		return protocol.ErrorEvent{Message: fmt.Sprintf("Unknown message type: %s", cmd.Type())}
	}
}

func operationOf(cmd protocol.Command) string {
	switch cmd.(type) {
	case protocol.Connect:
		return device.OpConnect
	case protocol.Disconnect:
		return device.OpDisconnect
	case protocol.Write:
		return device.OpWrite
	case protocol.Subscribe:
		return device.OpSubscribe
	case protocol.Unsubscribe:
		return device.OpUnsubscribe
	default:
		return device.OpDiscover
	}
}

func (s *Session) handleConnect(ctx context.Context, c protocol.Connect) protocol.Event {
	info, err := s.adapter.Connect(ctx, c.ServiceUUID, c.DeviceAddress, c.Adapter)
	if err != nil {
		return s.operationError(device.OpConnect, err)
	}
	return protocol.Connected{
		DeviceName:    info.Name,
		DeviceAddress: info.Address,
		Services:      info.Services,
	}
}

func (s *Session) handleDisconnect() protocol.Event {
	if err := s.adapter.Disconnect(); err != nil {
		return s.operationError(device.OpDisconnect, err)
	}
	return protocol.Disconnected{Reason: protocol.StringPtr(disconnectReason)}
}

func (s *Session) handleWrite(c protocol.Write) protocol.Event {
	if err := s.adapter.Write(c.CharacteristicUUID, c.Data, c.WithResponse); err != nil {
		return s.operationError(device.OpWrite, err)
	}
	return s.status(fmt.Sprintf("Wrote %d bytes to %s", len(c.Data), c.CharacteristicUUID))
}

func (s *Session) handleSubscribe(c protocol.Subscribe) protocol.Event {
	if err := s.adapter.Subscribe(c.CharacteristicUUID, s.relay.Notify); err != nil {
		return s.operationError(device.OpSubscribe, err)
	}
	return s.status(fmt.Sprintf("Subscribed to %s", c.CharacteristicUUID))
}

func (s *Session) handleUnsubscribe(c protocol.Unsubscribe) protocol.Event {
	if err := s.adapter.Unsubscribe(c.CharacteristicUUID); err != nil {
		return s.operationError(device.OpUnsubscribe, err)
	}
	return s.status(fmt.Sprintf("Unsubscribed from %s", c.CharacteristicUUID))
}

func (s *Session) handleDiscover(ctx context.Context, c protocol.Discover) protocol.Event {
	timeout := time.Duration(c.TimeoutSeconds) * time.Second
	devices, err := s.adapter.DiscoverDevices(ctx, c.ServiceUUID, timeout, c.Adapter)
	if err != nil {
		return s.operationError(device.OpDiscover, err)
	}
	return protocol.Discovered{Devices: devices}
}
