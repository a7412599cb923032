// Package contracts defines the message shapes and error taxonomy shared by
// every component of parley.
//
// The central type is Envelope, the UTF-8 JSON record carried as the payload
// of every direct message, chat message, request and response. Correlation
// IDs and response topics are deliberately not part of the payload body:
// they travel as transport-level metadata so intermediaries can route
// replies without parsing application data.
package contracts
