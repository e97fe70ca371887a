// Package main provides netcode-echo, a command-line tool for exercising a
// netcode deployment.
//
// It runs in one of four modes:
//
//   - keygen prints a fresh private key in hex
//   - token mints a base64 connect token from the shared options
//   - server runs an echo server that returns every payload to its sender
//   - client redeems a token and pings the server, counting the echoes
//
// Settings come from a YAML options file (-config) with a few flag
// overrides, so the server and the token mint can share one file.
package main
