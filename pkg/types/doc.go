// Package types defines the sequence record, its on-disk positional codec,
// configuration structs, and the standard error values shared by the store,
// scheduler, and updater packages.
package types
