// Package model defines the UPnP device model shared by every layer of the
// stack: devices and their embedded devices, services, actions, state
// variables and datatypes, plus the identifiers (UDN, device type, service
// type, service ID) used to address them.
//
// Devices come in two kinds:
//   - Local devices are authored by the application and exposed on the
//     network. Their services carry an ActionExecutor and a StateStore.
//   - Remote devices are reconstructed from discovery messages and descriptor
//     XML. Their services carry absolute control/event URLs.
//
// # Identity
//
// A device is identified by its UDN ("uuid:..."). The registry keys every
// device by UDN; nothing in the stack relies on pointer identity.
//
// # Datatypes
//
// State variables declare a UPnP datatype ("boolean", "ui4", "string", ...).
// Conversion between wire strings and Go values is delegated to the datatype
// registry in datatype.go:
//
//	dt, _ := model.LookupDatatype("boolean")
//	v, err := dt.ValueOf("YES") // true, nil
//
// # Thread Safety
//
// Device and Service trees are immutable once constructed and validated.
// StateStore is safe for concurrent use.
package model
