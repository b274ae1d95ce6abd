// Package storage keeps the apply history of each project in a BoltDB file.
//
// Every apply, successful or not, appends a types.Revision holding the
// descriptor digest and the per-service outcome. Environment values in a
// revision are already redacted; secrets are never written to disk.
package storage
