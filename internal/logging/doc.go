// Package logging configures structured JSON logging for tutosearch.
// Logs go to stderr by default; with a file path set they are also written
// to a size-rotated file under ~/.tutosearch/logs/.
package logging
