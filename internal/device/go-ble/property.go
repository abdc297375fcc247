package goble

import (
	"github.com/go-ble/ble"
)

// Property names reported in the connected-event profile.
const (
	PropBroadcast            = "broadcast"
	PropRead                 = "read"
	PropWriteWithoutResponse = "write_without_response"
	PropWrite                = "write"
	PropNotify               = "notify"
	PropIndicate             = "indicate"
	PropSignedWrite          = "authenticated_signed_writes"
	PropExtended             = "extended_properties"
)

var propertyNames = []struct {
	value ble.Property
	name  string
}{
	{ble.CharBroadcast, PropBroadcast},
	{ble.CharRead, PropRead},
	{ble.CharWriteNR, PropWriteWithoutResponse},
	{ble.CharWrite, PropWrite},
	{ble.CharNotify, PropNotify},
	{ble.CharIndicate, PropIndicate},
	{ble.CharSignedWrite, PropSignedWrite},
	{ble.CharExtended, PropExtended},
}

// PropertyNames converts ble.Property bit flags into their names, in bit order.
func PropertyNames(p ble.Property) []string {
	names := make([]string, 0, len(propertyNames))
	for _, prop := range propertyNames {
		if p&prop.value != 0 {
			names = append(names, prop.name)
		}
	}
	return names
}

// canNotify reports whether the characteristic can push values, and whether
// indications must be used because notifications are not supported.
func canNotify(p ble.Property) (supported bool, indicate bool) {
	switch {
	case p&ble.CharNotify != 0:
		return true, false
	case p&ble.CharIndicate != 0:
		return true, true
	default:
		return false, false
	}
}
