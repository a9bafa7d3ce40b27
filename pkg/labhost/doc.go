// Package labhost is the REST client for the lab software on a worker VM:
// import, start, stop, wipe and delete of labs. Responses are mapped onto
// the transient/permanent error kinds so the instantiation pipeline can
// decide retries without knowing HTTP.
package labhost
