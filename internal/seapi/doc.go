// Package seapi is the Secure Element API of the transaction-logging core.
//
// An SE wires the store, the certificate gate, the log chain sequencer, the
// transaction manager, the authentication service and the exporter into the
// operations of the TR-03151 interface.
//
// LIFECYCLE:
//
//	uninitialized --initialize--> initialized --disableSecureElement--> disabled
//
// The lifecycle is persisted with the log message that changes it. Exports
// and ReadLogMessage need an initialized device. Disabled is terminal: only
// exports and ReadLogMessage keep working.
//
// TIME:
//
// The device time is unset after every process start. Log messages can only
// be produced by transaction and administrative operations once updateTime
// or updateTimeWithTimeSync has succeeded. Authentication, initialization
// and the time updates themselves are logged with the unsynchronized clock.
//
// PRECONDITIONS:
//
// Checked in this order, first failure wins:
//  1. disabled (ERROR_SECURE_ELEMENT_DISABLED)
//  2. not initialized (ERROR_SE_API_NOT_INITIALIZED)
//  3. session and role (ERROR_USER_NOT_AUTHENTICATED, ERROR_USER_NOT_AUTHORIZED)
//  4. time not set (ERROR_TIME_NOT_SET)
//  5. operation parameters
package seapi
