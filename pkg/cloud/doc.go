// Package cloud abstracts the VM lifecycle behind the Provider interface
// and implements it for AWS EC2. All provider errors are classified as
// transient or permanent before they leave the package so callers never
// inspect AWS error types directly. A Fake implementation backs tests and
// dry-run mode.
package cloud
