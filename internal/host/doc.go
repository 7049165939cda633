// Package host models the extension surface of the host application: a
// registry of UI extension points (panels) that extensions define and
// register, plus the placement policy that decides where they appear.
//
// The registry owns descriptors. Ownership of registrations, meaning which
// extension created which point, is tracked by the lifecycle manager.
package host
