package netmux

// Packet is an opaque application message carrying a one-byte type tag
// and a self-describing payload. The dispatcher treats a Packet as bytes
// plus a tag: it never interprets the payload, and it never interprets
// cryptKey beyond handing out whatever was last set with SetCryptKey —
// both the wire format of a concrete packet and the meaning of the crypt
// key are the embedding application's concern.
type Packet interface {
	// TypeTag returns the one-byte discriminator for this packet variant.
	// It must be unique across every packet type registered on a given
	// Connection.
	TypeTag() byte

	// Encode serializes the packet's payload (not including the type
	// tag — Connection.SendPacket prepends it) using cryptKey, which may
	// be empty for an unencrypted connection.
	Encode(cryptKey string) ([]byte, error)

	// Decode populates the packet from data (the payload with the type
	// tag already stripped) using cryptKey.
	Decode(data []byte, cryptKey string) error
}
