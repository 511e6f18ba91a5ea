package packet

import "github.com/pyr33x/goqtt-core/pkg/er"

// PubackPacket, PubrecPacket, PubrelPacket and PubcompPacket carry just a
// packet id; none of the QoS 1/2 acknowledgment packets have a variable
// payload beyond it.
type PubackPacket struct{ PacketID uint16 }
type PubrecPacket struct{ PacketID uint16 }
type PubrelPacket struct{ PacketID uint16 }
type PubcompPacket struct{ PacketID uint16 }

func (p *PubackPacket) Encode() []byte  { return NewPubAck(p.PacketID) }
func (p *PubrecPacket) Encode() []byte  { return NewPubRec(p.PacketID) }
func (p *PubrelPacket) Encode() []byte  { return NewPubRel(p.PacketID) }
func (p *PubcompPacket) Encode() []byte { return NewPubComp(p.PacketID) }

func (p *PubackPacket) Parse(raw []byte) error {
	id, err := parseAckPacketID(raw, PUBACK)
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubrecPacket) Parse(raw []byte) error {
	id, err := parseAckPacketID(raw, PUBREC)
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubrelPacket) Parse(raw []byte) error {
	id, err := parseAckPacketID(raw, PUBREL)
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func (p *PubcompPacket) Parse(raw []byte) error {
	id, err := parseAckPacketID(raw, PUBCOMP)
	if err != nil {
		return err
	}
	p.PacketID = id
	return nil
}

func parseAckPacketID(raw []byte, want PacketType) (uint16, error) {
	if len(raw) != 4 {
		return 0, &er.Err{Context: "Packet, QoS2 Ack", Message: er.ErrInvalidPacketLength}
	}
	if PacketType(raw[0]&0xF0) != want {
		return 0, &er.Err{Context: "Packet, QoS2 Ack", Message: er.ErrInvalidPacketType}
	}
	return uint16(raw[2])<<8 | uint16(raw[3]), nil
}

// Publish Acknowledge
func NewPubAck(packetID uint16) []byte {
	return []byte{
		byte(PUBACK),          // Packet Type (PUBACK)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish received (QoS 2 publish received, part 1)
func NewPubRec(packetID uint16) []byte {
	return []byte{
		byte(PUBREC),          // Packet Type (PUBREC)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish release (QoS 2 publish received, part 2)
func NewPubRel(packetID uint16) []byte {
	return []byte{
		byte(PUBREL),          // Packet Type (PUBREL)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}

// Publish complete (QoS 2 publish received, part 3)
func NewPubComp(packetID uint16) []byte {
	return []byte{
		byte(PUBCOMP),         // Packet Type (PUBCOMP)
		0x02,                  // Remaining Length
		byte(packetID >> 8),   // MSB of Packet Identifier
		byte(packetID & 0xFF), // LSB of Packet Identifier
	}
}
