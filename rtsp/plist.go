package rtsp

import (
	"encoding/hex"
	"fmt"

	"howett.net/plist"

	"github.com/opd-ai/airplay/av"
)

// Content types used by the control protocol.
const (
	ContentTypeBinaryPlist = "application/x-apple-binary-plist"
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeParameters  = "text/parameters"
	ContentTypeDMAP        = "application/x-dmap-tagged"
	ContentTypeJPEG        = "image/jpeg"
)

// Stream types carried in SETUP and TEARDOWN.
const (
	StreamTypeAudio     = 96
	StreamTypeMirroring = 110
)

// DeviceInfo describes the receiver in the /info reply.
type DeviceInfo struct {
	Name          string
	DeviceID      string
	Model         string
	SourceVersion string
	Features      int64
	PublicKey     []byte
}

// DefaultFeatures is the feature bit mask advertised by the receiver.
const DefaultFeatures int64 = 61379444727

const (
	displayEDID = "AP///////wAGEBOuhXxiyAoaAQS1PCJ4IA8FrlJDsCYOT1QAAAABAQEBAQEBAQEBAQEBAQEBAAAAEAAAAAAAAAAAAAAAAAAAAAAAEAAAAAAAAAAAAAAAAAAAAAAA/ABpTWFjCiAgICAgICAgAAAAAAAAAAAAAAAAAAAAAAAAAqBwE3kDAAMAFIBuAYT/E58AL4AfAD8LUQACAAQAf4EY+hAAAQEAEnYx/Hj7/wIQiGLT+vj4/v//AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAADHkHATeQMAAwFQU+wABP8PnwAvAB8A/whBAAIABABM0AAE/w6fAC8AHwBvCD0AAgAEAMyRAAR/DJ8ALwAfAAcHMwACAAQAVV4ABP8JnwAvAB8AnwUoAAIABAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAB+Q"
	displayUUID = "061013ae-7b0f-4305-984b-974f677a150b"
	// Bit mask of supported audio input and output formats.
	audioFormatMask = 67108860
)

type infoReply struct {
	Features                 int64              `plist:"features"`
	Name                     string             `plist:"name"`
	Displays                 []displayInfo      `plist:"displays"`
	AudioFormats             []audioFormatInfo  `plist:"audioFormats"`
	VV                       int                `plist:"vv"`
	StatusFlags              int                `plist:"statusFlags"`
	KeepAliveLowPower        bool               `plist:"keepAliveLowPower"`
	SourceVersion            string             `plist:"sourceVersion"`
	PK                       string             `plist:"pk"`
	KeepAliveSendStatsAsBody bool               `plist:"keepAliveSendStatsAsBody"`
	DeviceID                 string             `plist:"deviceID"`
	Model                    string             `plist:"model"`
	AudioLatencies           []audioLatencyInfo `plist:"audioLatencies"`
	MacAddress               string             `plist:"macAddress"`
}

type displayInfo struct {
	PrimaryInputDevice int     `plist:"primaryInputDevice"`
	Rotation           bool    `plist:"rotation"`
	WidthPhysical      int     `plist:"widthPhysical"`
	EDID               string  `plist:"edid"`
	WidthPixels        float64 `plist:"widthPixels"`
	UUID               string  `plist:"uuid"`
	HeightPhysical     int     `plist:"heightPhysical"`
	Features           int     `plist:"features"`
	HeightPixels       float64 `plist:"heightPixels"`
	Overscanned        bool    `plist:"overscanned"`
}

type audioFormatInfo struct {
	Type               int `plist:"type"`
	AudioInputFormats  int `plist:"audioInputFormats"`
	AudioOutputFormats int `plist:"audioOutputFormats"`
}

type audioLatencyInfo struct {
	OutputLatencyMicros int    `plist:"outputLatencyMicros"`
	Type                int    `plist:"type"`
	AudioType           string `plist:"audioType"`
	InputLatencyMicros  int    `plist:"inputLatencyMicros"`
}

func newInfoReply(info DeviceInfo) infoReply {
	return infoReply{
		Features: info.Features,
		Name:     info.Name,
		Displays: []displayInfo{{
			PrimaryInputDevice: 1,
			Rotation:           true,
			EDID:               displayEDID,
			WidthPixels:        1920,
			UUID:               displayUUID,
			Features:           30,
			HeightPixels:       1080,
		}},
		AudioFormats: []audioFormatInfo{
			{Type: 100, AudioInputFormats: audioFormatMask, AudioOutputFormats: audioFormatMask},
			{Type: 101, AudioInputFormats: audioFormatMask, AudioOutputFormats: audioFormatMask},
		},
		VV:                       2,
		StatusFlags:              4,
		KeepAliveLowPower:        true,
		SourceVersion:            info.SourceVersion,
		PK:                       hex.EncodeToString(info.PublicKey),
		KeepAliveSendStatsAsBody: true,
		DeviceID:                 info.DeviceID,
		Model:                    info.Model,
		AudioLatencies: []audioLatencyInfo{
			{Type: 100, AudioType: "default"},
			{Type: 101, AudioType: "default"},
		},
		MacAddress: info.DeviceID,
	}
}

type streamReply struct {
	Type        int `plist:"type"`
	ControlPort int `plist:"controlPort,omitempty"`
	DataPort    int `plist:"dataPort"`
}

type setupStreamsReply struct {
	Streams []streamReply `plist:"streams"`
}

type setupSessionReply struct {
	TimingPort int `plist:"timingPort"`
	EventPort  int `plist:"eventPort"`
}

// Dict is a decoded plist dictionary.
type Dict map[string]interface{}

// DecodePlist decodes a binary or XML plist whose root is a dictionary.
func DecodePlist(data []byte) (Dict, error) {
	var root map[string]interface{}
	if _, err := plist.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode plist: %v: %w", err, av.ErrProtocol)
	}
	if root == nil {
		return nil, fmt.Errorf("plist root is not a dictionary: %w", av.ErrProtocol)
	}
	return Dict(root), nil
}

// EncodePlist encodes v as a binary plist.
func EncodePlist(v interface{}) ([]byte, error) {
	return plist.Marshal(v, plist.BinaryFormat)
}

// Has reports whether key is present.
func (d Dict) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Int returns the first of keys holding an integer.
func (d Dict) Int(keys ...string) (int64, bool) {
	for _, key := range keys {
		switch v := d[key].(type) {
		case int64:
			return v, true
		case uint64:
			return int64(v), true
		case int:
			return int64(v), true
		case float64:
			return int64(v), true
		case float32:
			return int64(v), true
		}
	}
	return 0, false
}

// Uint returns the first of keys holding an integer, reinterpreting
// negative values as their two's complement.
func (d Dict) Uint(keys ...string) (uint64, bool) {
	for _, key := range keys {
		switch v := d[key].(type) {
		case uint64:
			return v, true
		case int64:
			return uint64(v), true
		case int:
			return uint64(v), true
		}
	}
	return 0, false
}

// Bool returns the first of keys holding a boolean.
func (d Dict) Bool(keys ...string) (bool, bool) {
	for _, key := range keys {
		if v, ok := d[key].(bool); ok {
			return v, true
		}
	}
	return false, false
}

// Float returns the first of keys holding a number.
func (d Dict) Float(keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := d[key].(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int64:
			return float64(v), true
		case uint64:
			return float64(v), true
		}
	}
	return 0, false
}

// String returns the first of keys holding a string.
func (d Dict) String(keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := d[key].(string); ok {
			return v, true
		}
	}
	return "", false
}

// Data returns the first of keys holding a byte string.
func (d Dict) Data(keys ...string) ([]byte, bool) {
	for _, key := range keys {
		if v, ok := d[key].([]byte); ok {
			return v, true
		}
	}
	return nil, false
}

// Dicts returns the dictionaries of the array stored at key.
func (d Dict) Dicts(key string) []Dict {
	items, _ := d[key].([]interface{})
	out := make([]Dict, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, Dict(m))
		}
	}
	return out
}
