package capture

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Classifier decides whether an Ethernet frame carries a UDP datagram.
// It reuses its decoding buffers and must not be shared between goroutines.
type Classifier struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6
	ext   layers.IPv6ExtensionSkipper
	udp   layers.UDP

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewClassifier() *Classifier {
	c := &Classifier{decoded: make([]gopacket.LayerType, 0, 8)}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&c.eth, &c.dot1q, &c.ip4, &c.ip6, &c.ext, &c.udp)
	c.parser.IgnoreUnsupported = true
	return c
}

// IsUDP reports whether frame decodes down to a UDP layer.
func (c *Classifier) IsUDP(frame []byte) bool {
	// Decode errors past the UDP header still leave it in decoded.
	_ = c.parser.DecodeLayers(frame, &c.decoded)
	for _, t := range c.decoded {
		if t == layers.LayerTypeUDP {
			return true
		}
	}
	return false
}
