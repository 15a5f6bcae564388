// Package gnss parses unsolicited GNSS fix reports many cellular
// modules emit on the AT DLCI (AT+CGNSINF-style comma-separated
// reports), converts them to UTM with github.com/tzneal/coordconv for
// console logging, and tracks displacement between fixes with
// github.com/golang/geo, matching the teacher's coordconv.go/aprs.go
// use of the same pair of libraries for position math and UTM
// conversion.
package gnss

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
	"github.com/tzneal/coordconv"

	"github.com/kc9xyz/modemlink/internal/chat"
)

// Fix is one parsed GNSS report.
type Fix struct {
	Lat, Lon float64
	Time     time.Time
}

// earthRadiusMeters is used to turn an s1.Angle into a ground distance.
const earthRadiusMeters = 6371000.0

// Parser recognizes an unsolicited GNSS report and reports each fix,
// plus displacement from the previous one, through Callback.
type Parser struct {
	Prefix   string
	Callback func(fix Fix, utmEasting, utmNorthing float64, utmZone int, movedMeters float64)

	last *Fix
}

// NewParser returns a Parser matching the default AT+CGNSINF prefix.
func NewParser(callback func(Fix, float64, float64, int, float64)) *Parser {
	return &Parser{Prefix: "+CGNSINF:", Callback: callback}
}

func degreesToRadians(d float64) float64 {
	return d * math.Pi / 180
}

// Match returns the chat.Match this parser installs as an unsolicited
// report handler.
func (p *Parser) Match() chat.Match {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "+CGNSINF:"
	}
	return chat.Match{
		Pattern:    []byte(prefix),
		Separators: []byte(","),
		Callback: func(argv [][]byte, _ any) {
			p.handle(argv)
		},
	}
}

// handle parses the AT+CGNSINF field layout: run status, fix status,
// UTC timestamp, latitude, longitude, altitude, ... Only the fields
// this package cares about are extracted; unparsed fields are ignored.
func (p *Parser) handle(argv [][]byte) {
	if len(argv) < 6 {
		return
	}
	fixStatus := bytes.TrimSpace(argv[2])
	if string(fixStatus) != "1" {
		return
	}

	ts, err := parseTimestamp(argv[3])
	if err != nil {
		ts = time.Time{}
	}
	lat, err := strconv.ParseFloat(string(bytes.TrimSpace(argv[4])), 64)
	if err != nil {
		return
	}
	lon, err := strconv.ParseFloat(string(bytes.TrimSpace(argv[5])), 64)
	if err != nil {
		return
	}

	fix := Fix{Lat: lat, Lon: lon, Time: ts}

	latlng := s2.LatLng{Lat: s1.Angle(degreesToRadians(lat)), Lng: s1.Angle(degreesToRadians(lon))}
	var easting, northing float64
	var zone int
	if utm, err := coordconv.DefaultUTMConverter.ConvertFromGeodetic(latlng, 0); err == nil {
		easting, northing, zone = utm.Easting, utm.Northing, utm.Zone
	}

	var moved float64
	if p.last != nil {
		moved = displacementMeters(*p.last, fix)
	}
	p.last = &fix

	if p.Callback != nil {
		p.Callback(fix, easting, northing, zone, moved)
	}
}

// parseTimestamp parses the AT+CGNSINF UTC field (yyyyMMddHHmmss.sss).
func parseTimestamp(field []byte) (time.Time, error) {
	s := string(bytes.TrimSpace(field))
	if s == "" {
		return time.Time{}, fmt.Errorf("gnss: empty timestamp")
	}
	return time.Parse("20060102150405.000", s)
}

// displacementMeters computes great-circle distance between two fixes
// using golang/geo's spherical angle between points.
func displacementMeters(a, b Fix) float64 {
	pa := s2.LatLngFromDegrees(a.Lat, a.Lon)
	pb := s2.LatLngFromDegrees(b.Lat, b.Lon)
	angle := s1.Angle(pa.Distance(pb))
	return angle.Radians() * earthRadiusMeters
}
