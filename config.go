package analyzer

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Transport backend kinds
const (
	KindSocketCAN = "socketcan"
	KindSlcan     = "slcan"
	KindVirtual   = "virtual"
)

// TransportConfig selects and parameterizes a CAN backend.
type TransportConfig struct {
	Kind       string        // socketcan | slcan | virtual
	Interface  string        // socketcan interface name, e.g. can0
	Device     string        // slcan serial device, e.g. /dev/ttyACM0
	Baud       int           // slcan serial baud rate
	Bitrate    int           // slcan bus bitrate
	Address    string        // virtualcan server address, e.g. localhost:18889
	RecvWindow time.Duration // dispatcher receive window
}

// UdsConfig are the diagnostic defaults applied to new endpoints.
type UdsConfig struct {
	P2                  time.Duration
	P2Ext               time.Duration
	TesterPresentPeriod time.Duration
	AutoTesterPresent   bool
}

// Config is the explicit configuration record for one Core. There is no
// process-wide state; several cores with their own configs may coexist.
type Config struct {
	Transport    TransportConfig
	IsoTP        IsoTPOptions
	Uds          UdsConfig
	RingCapacity int
	HubBuffer    int
}

func DefaultConfig() Config {
	return Config{
		Transport: TransportConfig{
			Kind:       KindSocketCAN,
			Interface:  "can0",
			Baud:       115200,
			Bitrate:    500000,
			RecvWindow: DefaultRecvWindow,
		},
		IsoTP:        DefaultIsoTPOptions(),
		Uds: UdsConfig{
			P2:                  time.Second,
			P2Ext:               5 * time.Second,
			TesterPresentPeriod: DefaultTesterPresentPeriod,
			AutoTesterPresent:   true,
		},
		RingCapacity: DefaultRingCapacity,
		HubBuffer:    DefaultSubscriberBuffer,
	}
}

// LoadConfig reads an INI file on top of the defaults. Durations are
// given in milliseconds.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	file, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("could not load config %v : %v", path, err)
	}

	tr := file.Section("transport")
	cfg.Transport.Kind = tr.Key("kind").MustString(cfg.Transport.Kind)
	cfg.Transport.Interface = tr.Key("interface").MustString(cfg.Transport.Interface)
	cfg.Transport.Device = tr.Key("device").MustString(cfg.Transport.Device)
	cfg.Transport.Baud = tr.Key("baud").MustInt(cfg.Transport.Baud)
	cfg.Transport.Bitrate = tr.Key("bitrate").MustInt(cfg.Transport.Bitrate)
	cfg.Transport.Address = tr.Key("address").MustString(cfg.Transport.Address)
	cfg.Transport.RecvWindow = msKey(tr, "recv_window_ms", cfg.Transport.RecvWindow)
	cfg.RingCapacity = tr.Key("ring_capacity").MustInt(cfg.RingCapacity)

	iso := file.Section("isotp")
	cfg.IsoTP.BlockSize = uint8(iso.Key("block_size").MustUint(uint(cfg.IsoTP.BlockSize)))
	cfg.IsoTP.STmin = byte(iso.Key("stmin").MustUint(uint(cfg.IsoTP.STmin)))
	cfg.IsoTP.Padding = iso.Key("padding").MustBool(cfg.IsoTP.Padding)
	cfg.IsoTP.PadByte = byte(iso.Key("pad_byte").MustUint(uint(cfg.IsoTP.PadByte)))
	cfg.IsoTP.NAs = msKey(iso, "n_as_ms", cfg.IsoTP.NAs)
	cfg.IsoTP.NBs = msKey(iso, "n_bs_ms", cfg.IsoTP.NBs)
	cfg.IsoTP.NCr = msKey(iso, "n_cr_ms", cfg.IsoTP.NCr)
	cfg.IsoTP.InboxSize = iso.Key("inbox").MustInt(cfg.IsoTP.InboxSize)

	uds := file.Section("uds")
	cfg.Uds.P2 = msKey(uds, "p2_ms", cfg.Uds.P2)
	cfg.Uds.P2Ext = msKey(uds, "p2_ext_ms", cfg.Uds.P2Ext)
	cfg.Uds.TesterPresentPeriod = msKey(uds, "tester_present_ms", cfg.Uds.TesterPresentPeriod)
	cfg.Uds.AutoTesterPresent = uds.Key("auto_tester_present").MustBool(cfg.Uds.AutoTesterPresent)
	cfg.IsoTP.P2 = cfg.Uds.P2
	cfg.IsoTP.P2Ext = cfg.Uds.P2Ext

	return cfg, nil
}

func msKey(section *ini.Section, key string, fallback time.Duration) time.Duration {
	ms := section.Key(key).MustInt64(fallback.Milliseconds())
	return time.Duration(ms) * time.Millisecond
}

// openTransport builds the configured backend.
func openTransport(tc TransportConfig) (Transport, error) {
	switch tc.Kind {
	case KindSocketCAN:
		return NewSocketCAN(tc.Interface)
	case KindSlcan:
		return NewSlcan(tc.Device, tc.Baud, tc.Bitrate)
	case KindVirtual:
		return NewVirtualCAN(tc.Address)
	default:
		return nil, fmt.Errorf("unknown transport kind %q : %w", tc.Kind, ErrIllegalArgument)
	}
}
