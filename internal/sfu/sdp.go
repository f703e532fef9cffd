package sfu

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// The legacy dialect is not SDP: it is a handful of a= lines for a single
// audio medium, with no session section. Old clients both emit and parse it
// line by line, and error on anything richer than one audio m-line, so the
// answer we synthesize is equally bare.

var (
	ErrNoFingerprint = errors.New("client sdp has no fingerprint")
	ErrNoCandidate   = errors.New("answer has no host candidate")
)

type ExtMap struct {
	ID  int
	URI string
}

// TruncatedOffer is what can be recovered from the legacy client blob.
type TruncatedOffer struct {
	ICEUfrag        string
	ICEPwd          string
	FingerprintAlgo string
	Fingerprint     string
	Extensions      []ExtMap
	// Opus payload type; old clients that omit rtpmap get the default.
	PayloadType int
}

// ParseTruncatedOffer scans the truncated client SDP. Unknown lines are
// ignored; five years of clients disagree on which ones they send.
func ParseTruncatedOffer(s string) (*TruncatedOffer, error) {
	out := &TruncatedOffer{PayloadType: 111}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "a=")
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "ice-ufrag":
			out.ICEUfrag = value
		case "ice-pwd":
			out.ICEPwd = value
		case "fingerprint":
			algo, fp, ok := strings.Cut(value, " ")
			if !ok {
				continue
			}
			out.FingerprintAlgo = algo
			out.Fingerprint = fp
		case "extmap":
			id, uri, ok := strings.Cut(value, " ")
			if !ok {
				continue
			}
			n, err := strconv.Atoi(strings.TrimSuffix(id, "/recvonly"))
			if err != nil {
				continue
			}
			out.Extensions = append(out.Extensions, ExtMap{ID: n, URI: uri})
		case "rtpmap":
			pt, codec, ok := strings.Cut(value, " ")
			if !ok || !strings.HasPrefix(strings.ToLower(codec), "opus/") {
				continue
			}
			if n, err := strconv.Atoi(pt); err == nil {
				out.PayloadType = n
			}
		}
	}
	if out.Fingerprint == "" {
		return nil, ErrNoFingerprint
	}
	return out, nil
}

// BuildFullOffer expands a truncated offer into the full SDP the media
// engine expects: a complete session section and one audio m-line.
func BuildFullOffer(o *TruncatedOffer) (string, error) {
	pt := strconv.Itoa(o.PayloadType)
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{pt},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}
	media.Attributes = append(media.Attributes,
		sdp.NewAttribute("mid", "0"),
		sdp.NewAttribute("ice-ufrag", o.ICEUfrag),
		sdp.NewAttribute("ice-pwd", o.ICEPwd),
		sdp.NewAttribute("fingerprint", o.FingerprintAlgo+" "+o.Fingerprint),
		sdp.NewAttribute("setup", "actpass"),
		sdp.NewAttribute("sendrecv", ""),
		sdp.NewAttribute("rtcp-mux", ""),
		sdp.NewAttribute("rtpmap", pt+" opus/48000/2"),
	)
	for _, ext := range o.Extensions {
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("extmap", fmt.Sprintf("%d %s", ext.ID, ext.URI)))
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{}},
		Attributes:       []sdp.Attribute{sdp.NewAttribute("msid-semantic", " WMS *")},
		MediaDescriptions: []*sdp.MediaDescription{
			media,
		},
	}

	b, err := desc.Marshal()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TruncateAnswer reduces the engine's full answer to the legacy dialect:
// exactly one fingerprint, one server candidate (rewritten to the public
// address) and a video=0 placeholder.
func TruncateAnswer(full, publicIP string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(full)); err != nil {
		return "", err
	}

	attr := func(key string) string {
		if v, ok := desc.Attribute(key); ok {
			return v
		}
		for _, m := range desc.MediaDescriptions {
			if v, ok := m.Attribute(key); ok {
				return v
			}
		}
		return ""
	}

	fingerprint := attr("fingerprint")
	ufrag := attr("ice-ufrag")
	pwd := attr("ice-pwd")
	if fingerprint == "" {
		return "", ErrNoFingerprint
	}

	port := 0
	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key != "candidate" || !strings.Contains(a.Value, " typ host") {
				continue
			}
			fields := strings.Fields(a.Value)
			if len(fields) < 6 {
				continue
			}
			if n, err := strconv.Atoi(fields[5]); err == nil {
				port = n
			}
			break
		}
		if port != 0 {
			break
		}
	}
	if port == 0 {
		return "", ErrNoCandidate
	}

	var b strings.Builder
	fmt.Fprintf(&b, "m=audio %d ICE/SDP\n", port)
	fmt.Fprintf(&b, "a=fingerprint:%s\n", fingerprint)
	fmt.Fprintf(&b, "c=IN IP4 %s\n", publicIP)
	fmt.Fprintf(&b, "a=rtcp:%d\n", port)
	fmt.Fprintf(&b, "a=ice-ufrag:%s\n", ufrag)
	fmt.Fprintf(&b, "a=ice-pwd:%s\n", pwd)
	fmt.Fprintf(&b, "a=candidate:1 1 UDP 4261412862 %s %d typ host\n", publicIP, port)
	b.WriteString("a=video 0\n")
	return b.String(), nil
}
