// Package device holds the domain model shared by every layer of the GATT
// client: device addresses, canonical UUIDs, discovered services and
// characteristics, connection states, and the error taxonomy.
//
// Every failure leaving the client is one of:
//   - *Error, classified by ErrorKind and matched with errors.Is against the
//     Err* sentinels (ErrLinkLost, ErrNotConnected, ...)
//   - *NotFoundError, which also matches ErrServiceNotFound or
//     ErrCharacteristicNotFound
//   - *ViolationError, matching ErrContractViolation, for broken internal
//     invariants
package device
