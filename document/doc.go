// Package document contains DocumentStore implementations: the file backed
// repository tasks read dependency documents from and write outputs to, and
// a volatile in-memory variant for tests. The interface lives in core.
package document
