// Package gateway is the identity service behind the HTTP API.
//
// Service combines the password hasher, token issuer, permission resolver,
// user store, session recorder and audit store into the operations a client
// can invoke: register, login, refresh, list/get/update/delete users, assign
// a role, logout and the audit reports.
//
// Every mutation runs in a single database transaction together with its
// audit record, so either both are stored or neither is. Audit records are
// handed to the audit.Notifier only after the transaction commits.
//
// Errors fall into the classes in errors.go. Only PersistenceError is
// logged by the service; the rest describe the caller's request.
package gateway
