// Package rpc provides the REST front end of the sweatpool service: challenge
// issuance, registrations, oracle attestations, settlement, account funding and
// a server-sent events stream of notifications.
package rpc
