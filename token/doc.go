// Package token implements the connect token and challenge token formats.
//
// A connect token is minted by a trusted authority that shares a 32-byte
// private key with the game servers. It is a fixed 2048-byte blob:
//
//	[0,45)      version info, protocol ID, create/expire timestamps, sequence
//	[45,1069)   private section sealed under the private key
//	[1069,...)  timeout, candidate server addresses, session keys, padding
//	[2016,2048) keyed BLAKE2b MAC over everything before it
//
// Clients read the public fields with ReadPublic and forward the header and
// sealed private section in their connection request. Servers authenticate
// whole tokens with Decode, or the forwarded parts with DecryptPrivate.
//
// Challenge tokens are the 300-byte blobs a server hands back during the
// handshake; only the server that issued one can open it.
//
// Example:
//
//	tok, err := token.NewConnectToken(token.Options{
//		ProtocolID:      0x1122334455667788,
//		ClientID:        42,
//		Sequence:        1,
//		ServerAddresses: []*net.UDPAddr{serverAddr},
//		Lifetime:        30 * time.Second,
//	}, time.Now())
//	if err != nil {
//		log.Fatal(err)
//	}
//	buf, err := tok.Encode(&privateKey)
package token
