package gowim

import (
	"encoding/xml"
	"time"
)

// wimXMLTime is a CREATIONTIME/LASTMODIFICATIONTIME element, which the
// format spells out as separate high/low 32-bit words of a FILETIME
// rather than a single integer.
type wimXMLTime struct {
	High uint32 `xml:"HIGHPART"`
	Low  uint32 `xml:"LOWPART"`
}

func wimXMLTimeFrom(t time.Time) wimXMLTime {
	ft := uint64(filetimeFromTime(t))
	return wimXMLTime{High: uint32(ft >> 32), Low: uint32(ft)}
}

func (t wimXMLTime) toTime() time.Time {
	return filetimeToTime(uint64(t.High)<<32 | uint64(t.Low))
}

const filetimeEpochOffset = 116444736000000000

func filetimeFromTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UTC().UnixNano()/100 + filetimeEpochOffset)
}

func filetimeToTime(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	return time.Unix(0, (int64(ft)-filetimeEpochOffset)*100).UTC()
}

// imageXML is one <IMAGE> record of the WIM XML metadata resource.
type imageXML struct {
	Index        int        `xml:"INDEX,attr"`
	Name         string     `xml:"NAME"`
	DirCount     int64      `xml:"DIRCOUNT"`
	FileCount    int64      `xml:"FILECOUNT"`
	TotalBytes   uint64     `xml:"TOTALBYTES"`
	CreationTime wimXMLTime `xml:"CREATIONTIME"`
	Description  string     `xml:"DESCRIPTION,omitempty"`
}

// wimXML is the whole <WIM> document, a per-image record index kept
// alongside (not instead of) the blob table's own size/refcount
// bookkeeping: it is the only place a human-readable image name and
// description live.
type wimXML struct {
	XMLName xml.Name   `xml:"WIM"`
	Images  []imageXML `xml:"IMAGE"`
}

// marshalWIMXML renders doc as the UTF-8 text container.EncodeXML then
// wraps in a UTF-16LE BOM frame.
func marshalWIMXML(doc wimXML) (string, error) {
	b, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(b), nil
}

// parseWIMXML decodes a WIM XML metadata resource's UTF-8 text (already
// stripped of its UTF-16LE BOM frame by container.ReadXML).
func parseWIMXML(text string) (wimXML, error) {
	if text == "" {
		return wimXML{}, nil
	}
	var doc wimXML
	if err := xml.Unmarshal([]byte(text), &doc); err != nil {
		return wimXML{}, err
	}
	return doc, nil
}
