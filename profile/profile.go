// Package profile describes the supported SICK device families to the lidar driver.
package profile

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/speters/lidarlink/frame"
	"github.com/speters/lidarlink/lidar"
	"github.com/speters/lidarlink/link"
)

// ErrUnknownFamily is returned by ByName.
var ErrUnknownFamily = errors.New("profile: unknown device family")

// Family names.
const (
	NameLMS2xx = "lms2xx"
	NameLMS1xx = "lms1xx"
	NameLD     = "ld"
	// NameCustom is a family whose framing comes from configuration.
	NameCustom = "custom"
)

// LMS 2xx telegram codes.
const (
	lms2xxStatusReq   = 0x31
	lms2xxStatusReply = 0xB1
	lms2xxModeReq     = 0x20
	lms2xxModeReply   = 0xA0
	lms2xxModeStream  = 0x24
	lms2xxModeMonitor = 0x25
)

// LMS2xxDescriptor frames LMS 2xx telegrams: STX, address, LE length, payload, LE CRC16 over all of it.
var LMS2xxDescriptor = frame.Descriptor{
	Name:       NameLMS2xx,
	Marker:     []byte{0x02, 0x80},
	SendMarker: []byte{0x02, 0x00},
	HeaderLen:  4,
	Length:     frame.LengthField{Offset: 2, Size: 2},
	TrailerLen: 2,
	MaxPayload: 812,
	Order:      binary.LittleEndian,
	Checksum:   frame.SickCRC16,
}

// LMS2xx is the serial LMS 2xx family.
func LMS2xx() lidar.Profile {
	return lidar.Profile{
		Descriptor:   LMS2xxDescriptor,
		Baud:         link.Baud9600,
		ByteTimeout:  35 * time.Millisecond,
		ReplyTimeout: time.Second,
		Startup: func(ctx context.Context, d *lidar.Driver) error {
			f, err := d.Call(ctx, []byte{lms2xxStatusReq}, lidar.Prefix(lms2xxStatusReply))
			if err != nil {
				return err
			}
			p := f.Payload()
			if len(p) > 1 {
				end := min(len(p), 8)
				d.SetInfo("version", strings.TrimRight(string(p[1:end]), "\x00 "))
			}
			return nil
		},
		StreamStart: []byte{lms2xxModeReq, lms2xxModeStream},
		StreamAck:   lidar.Prefix(lms2xxModeReply),
		StopStream: func(ctx context.Context, d *lidar.Driver) error {
			_, err := d.Call(ctx, []byte{lms2xxModeReq, lms2xxModeMonitor}, lidar.Prefix(lms2xxModeReply))
			return err
		},
	}
}

// LMS1xxDescriptor frames CoLa-A telegrams: STX, space separated tokens, ETX.
var LMS1xxDescriptor = frame.Descriptor{
	Name:       NameLMS1xx,
	Marker:     []byte{0x02},
	HeaderLen:  1,
	Terminator: 0x03,
	TrailerLen: 1,
	MaxPayload: 5816,
}

// LMS1xx is the Ethernet LMS 1xx family.
func LMS1xx() lidar.Profile {
	stream := lidar.Tokens("sEA LMDscandata")
	return lidar.Profile{
		Descriptor:   LMS1xxDescriptor,
		DefaultPort:  2111,
		ByteTimeout:  40 * time.Millisecond,
		ReplyTimeout: time.Second,
		Startup: func(ctx context.Context, d *lidar.Driver) error {
			f, err := d.Call(ctx, Command("sRN", "STlms"), lidar.Tokens("sRA STlms"))
			if err != nil {
				return err
			}
			if args := Args(f, 2); len(args) > 0 {
				if status, err := ParseUint(args[0]); err == nil {
					d.SetInfo("status", fmt.Sprint(status))
				}
			}
			return nil
		},
		StreamStart: Command("sEN", "LMDscandata", "1"),
		StreamAck:   stream,
		StopStream: func(ctx context.Context, d *lidar.Driver) error {
			_, err := d.Call(ctx, Command("sEN", "LMDscandata", "0"), stream)
			return err
		},
	}
}

// LD service codes.
const (
	ldStatusService = 0x01
	ldGetIdent      = 0x01
	ldMeasService   = 0x0B
	ldGetProfile    = 0x01
	ldCancelProfile = 0x02
)

// LDDescriptor frames LD telegrams: STX "USP", BE 32 bit length, payload, XOR over the payload.
var LDDescriptor = frame.Descriptor{
	Name:         NameLD,
	Marker:       []byte{0x02, 'U', 'S', 'P'},
	HeaderLen:    8,
	Length:       frame.LengthField{Offset: 4, Size: 4},
	TrailerLen:   1,
	MaxPayload:   5816,
	Order:        binary.BigEndian,
	Checksum:     frame.XOR8,
	ChecksumFrom: 8,
}

// LD is the Ethernet LD family.
func LD() lidar.Profile {
	return lidar.Profile{
		Descriptor:   LDDescriptor,
		DefaultPort:  49152,
		ByteTimeout:  40 * time.Millisecond,
		ReplyTimeout: time.Second,
		Startup: func(ctx context.Context, d *lidar.Driver) error {
			f, err := d.Call(ctx, []byte{ldStatusService, ldGetIdent}, lidar.Prefix(ldStatusService, ldGetIdent))
			if err != nil {
				return err
			}
			if p := f.Payload(); len(p) > 2 {
				d.SetInfo("ident", strings.TrimRight(string(p[2:]), "\x00 "))
			}
			return nil
		},
		StreamStart: []byte{ldMeasService, ldGetProfile},
		StreamAck:   lidar.Prefix(ldMeasService, ldGetProfile),
		StopStream: func(ctx context.Context, d *lidar.Driver) error {
			_, err := d.Call(ctx, []byte{ldMeasService, ldCancelProfile}, lidar.Prefix(ldMeasService, ldCancelProfile))
			return err
		},
	}
}

// Custom wraps a configured descriptor into a profile without startup
// queries or a data stream; commands are sent through the HTTP bridge or Call.
func Custom(d frame.Descriptor) lidar.Profile {
	if d.Name == "" {
		d.Name = NameCustom
	}
	return lidar.Profile{
		Descriptor:   d,
		ByteTimeout:  40 * time.Millisecond,
		ReplyTimeout: time.Second,
	}
}

var families = map[string]func() lidar.Profile{
	NameLMS2xx: LMS2xx,
	NameLMS1xx: LMS1xx,
	NameLD:     LD,
}

// ByName returns the profile of a family, case-insensitively.
func ByName(name string) (lidar.Profile, error) {
	if f, ok := families[strings.ToLower(name)]; ok {
		return f(), nil
	}
	return lidar.Profile{}, fmt.Errorf("%w: %q", ErrUnknownFamily, name)
}

// Names lists the known families.
func Names() []string {
	names := make([]string, 0, len(families))
	for n := range families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
