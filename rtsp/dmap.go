package rtsp

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/airplay/av"
)

// DMAPItem is one tag of a DMAP document. Container tags carry Items,
// the others carry Value.
type DMAPItem struct {
	Tag   string
	Value []byte
	Items []DMAPItem
}

// dmapContainers lists the tags whose value is itself a DMAP list.
var dmapContainers = map[string]bool{
	"mlit": true,
	"mlcl": true,
	"mcon": true,
	"cmst": true,
	"mdcl": true,
	"msrv": true,
	"mccr": true,
	"abro": true,
	"abar": true,
	"apso": true,
	"adbs": true,
	"aply": true,
	"avdb": true,
}

// ParseDMAP decodes a sequence of 4-byte tag, 4-byte big-endian length
// records, descending into container tags.
func ParseDMAP(data []byte) ([]DMAPItem, error) {
	var items []DMAPItem
	for offset := 0; offset < len(data); {
		if len(data)-offset < 8 {
			return nil, fmt.Errorf("truncated dmap tag at %d: %w", offset, av.ErrProtocol)
		}
		tag := string(data[offset : offset+4])
		length := int(binary.BigEndian.Uint32(data[offset+4:]))
		start := offset + 8
		if length > len(data)-start {
			return nil, fmt.Errorf("dmap tag %s of %d bytes exceeds input: %w", tag, length, av.ErrProtocol)
		}
		value := data[start : start+length]

		item := DMAPItem{Tag: tag}
		if dmapContainers[tag] {
			children, err := ParseDMAP(value)
			if err != nil {
				return nil, err
			}
			item.Items = children
		} else {
			item.Value = value
		}
		items = append(items, item)
		offset = start + length
	}
	return items, nil
}

// MetadataFromDMAP extracts the track title, artist, album and genre.
// The first occurrence of each tag wins.
func MetadataFromDMAP(data []byte) (av.MetadataEvent, error) {
	items, err := ParseDMAP(data)
	if err != nil {
		return av.MetadataEvent{}, err
	}
	var meta av.MetadataEvent
	collectMetadata(items, &meta)
	return meta, nil
}

func collectMetadata(items []DMAPItem, meta *av.MetadataEvent) {
	for _, item := range items {
		if item.Items != nil {
			collectMetadata(item.Items, meta)
			continue
		}
		var dst *string
		switch item.Tag {
		case "minm":
			dst = &meta.Title
		case "asar":
			dst = &meta.Artist
		case "asal":
			dst = &meta.Album
		case "asgn":
			dst = &meta.Genre
		default:
			continue
		}
		if *dst == "" {
			*dst = string(item.Value)
		}
	}
}
