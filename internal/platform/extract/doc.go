// Package extract provides the file-access collaborators the grading
// pipeline depends on: local filesystem checking and loading, plain-text
// extraction, and a client for the remote extraction service that handles
// document formats (PDF, Word, scanned images) this process cannot parse
// itself.
package extract
