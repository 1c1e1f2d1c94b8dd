// Command nfcshell is a thin interactive example wiring a concrete
// Transport, pkg/reader.Controller, and pkg/desfire.Tag together: open the
// configured reader link, poll for a passive target, authenticate, and
// optionally read one file. It mirrors minter/main.go's and
// permissionsedit/main.go's shape (flag parsing, slog handler selection by
// -log-format, golang.org/x/term raw-mode prompts) generalized from their
// single fixed NTAG424 application to any DESFire-family application the
// operator names on the command line.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/barnettlynn/picc/config"
	"github.com/barnettlynn/picc/pkg/channel"
	"github.com/barnettlynn/picc/pkg/desfire"
	"github.com/barnettlynn/picc/pkg/keys"
	"github.com/barnettlynn/picc/pkg/reader"
	"github.com/barnettlynn/picc/pkg/transport"
	"github.com/barnettlynn/picc/transport/i2cbus"
	"github.com/barnettlynn/picc/transport/serialport"
	"github.com/barnettlynn/picc/transport/spibus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	emulator := flag.Bool("emulator", false, "skip transport/key validation (for offline config checks)")
	aidHex := flag.String("aid", "", "application ID (3 hex bytes, e.g. AABBCC); root application if empty")
	keyNumber := flag.Int("key-number", 0, "key number to authenticate with")
	cipher := flag.String("cipher", "aes128", "key cipher: des, 2k3des, 3k3des, aes128")
	readFile := flag.Int("read-file", -1, "standard data file number to read and print")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	mode := config.ValidationFull
	if *emulator {
		mode = config.ValidationEmulator
	}
	cfg, err := config.LoadWithMode(*configPath, mode)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if *emulator {
		fmt.Println("Emulator mode: config validated, skipping reader connection.")
		return
	}

	t, closeFn, err := openTransport(cfg.Transport)
	if err != nil {
		log.Fatalf("open transport failed: %v", err)
	}
	defer closeFn()

	ctrl := reader.New(channel.New(t))

	deadline := time.Now().Add(cfg.Session.CommandTimeout)
	fw, err := ctrl.GetFirmwareVersion(deadline)
	if err != nil {
		log.Fatalf("get firmware version failed: %v", err)
	}
	fmt.Printf("Reader: IC=%#x Ver=%d.%d\n", fw.IC, fw.Ver, fw.Rev)

	targets, err := ctrl.ListPassiveTargets(1, reader.Baud106kbpsTypeA, nil, deadline)
	if err != nil {
		log.Fatalf("list passive targets failed: %v", err)
	}
	if len(targets) == 0 {
		log.Fatalf("no target found")
	}
	tg := targets[0]
	fmt.Printf("Target: UID=%s SAK=%#x\n", hex.EncodeToString(tg.UID), tg.SAK)

	card := desfire.NewTag(&cardExchanger{ctrl: ctrl, tg: tg.TargetNumber})

	if *aidHex != "" {
		aidBytes, err := hex.DecodeString(*aidHex)
		if err != nil || len(aidBytes) != 3 {
			log.Fatalf("-aid must be 3 hex bytes")
		}
		aid, err := desfire.AIDFromBytes(aidBytes)
		if err != nil {
			log.Fatalf("parse AID: %v", err)
		}
		if err := card.SelectApplication(aid, time.Now().Add(cfg.Session.CommandTimeout)); err != nil {
			log.Fatalf("select application %s failed: %v", aid, err)
		}
	}

	keyPath, err := keyFileFor(*cfg, *aidHex)
	if err != nil {
		log.Fatalf("%v", err)
	}
	ct, err := parseCipher(*cipher)
	if err != nil {
		log.Fatalf("%v", err)
	}
	key, err := loadKeyInteractive(keyPath, ct, byte(*keyNumber))
	if err != nil {
		log.Fatalf("load key failed: %v", err)
	}

	if err := card.Authenticate(key, nil, time.Now().Add(cfg.Session.AuthTimeout)); err != nil {
		log.Fatalf("authenticate failed: %v", err)
	}
	fmt.Printf("Authenticated with key %d\n", card.ActiveKeyNumber())

	if *readFile >= 0 {
		data, err := card.TrustCardReadData(byte(*readFile), 0, 0, time.Now().Add(cfg.Session.CommandTimeout))
		if err != nil {
			log.Fatalf("read file %d failed: %v", *readFile, err)
		}
		fmt.Printf("File %d: %s\n", *readFile, hex.EncodeToString(data))
	}
}

// cardExchanger adapts a reader.Controller's data-exchange operation into
// the desfire.CardTransport single-method seam, the role
// pkg/desfire/tag.go's doc comment on CardTransport describes as "typically
// wrap[ping] a reader's data-exchange operation".
type cardExchanger struct {
	ctrl *reader.Controller
	tg   byte
}

func (c *cardExchanger) Exchange(data []byte, deadline time.Time) ([]byte, error) {
	return c.ctrl.DataExchange(c.tg, data, deadline)
}

func openTransport(tc config.TransportConfig) (transport.Transport, func(), error) {
	noop := func() {}
	switch tc.Kind {
	case config.TransportSerial:
		p, err := serialport.Open(tc.Device, tc.Baud)
		if err != nil {
			return nil, noop, err
		}
		return p, func() { p.Close() }, nil
	case config.TransportI2C:
		if _, err := host.Init(); err != nil {
			return nil, noop, fmt.Errorf("periph host init: %w", err)
		}
		bus, err := i2creg.Open(tc.I2CBus)
		if err != nil {
			return nil, noop, fmt.Errorf("open i2c bus %s: %w", tc.I2CBus, err)
		}
		irq := lookupIRQPin(tc.IRQPin)
		b, err := i2cbus.Open(bus, tc.I2CAddr, irq)
		if err != nil {
			return nil, noop, err
		}
		return b, func() { bus.Close() }, nil
	case config.TransportSPI:
		if _, err := host.Init(); err != nil {
			return nil, noop, fmt.Errorf("periph host init: %w", err)
		}
		port, err := spireg.Open(tc.SPIBus)
		if err != nil {
			return nil, noop, fmt.Errorf("open spi bus %s: %w", tc.SPIBus, err)
		}
		irq := lookupIRQPin(tc.IRQPin)
		b, err := spibus.Open(port, irq)
		if err != nil {
			return nil, noop, err
		}
		return b, func() { port.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unsupported transport kind %q", tc.Kind)
	}
}

func lookupIRQPin(name string) gpio.PinIn {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	return gpioreg.ByName(name)
}

func keyFileFor(cfg config.Config, aidHex string) (string, error) {
	if aidHex == "" {
		return cfg.Keys.RootKeyFile, nil
	}
	path, ok := cfg.Keys.AppKeyFiles[strings.ToUpper(aidHex)]
	if !ok {
		return "", fmt.Errorf("no key file configured for application %s", aidHex)
	}
	return path, nil
}

func parseCipher(s string) (keys.CipherType, error) {
	switch strings.ToLower(s) {
	case "des":
		return keys.CipherDES, nil
	case "2k3des":
		return keys.Cipher2K3DES, nil
	case "3k3des":
		return keys.Cipher3K3DES, nil
	case "aes128":
		return keys.CipherAES128, nil
	default:
		return keys.CipherEmpty, fmt.Errorf("unknown cipher %q", s)
	}
}

// loadKeyInteractive loads the key body from path, prompting for a raw-mode
// masked override on stdin when path is empty (no configured key file),
// matching permissionsedit/main.go's term.MakeRaw/term.Restore prompt idiom.
func loadKeyInteractive(path string, cipher keys.CipherType, number byte) (keys.Key, error) {
	if path != "" {
		return keys.LoadHexFile(path, cipher, number)
	}
	fmt.Printf("Enter key %d (%s, hex, %d bytes): ", number, cipher, cipher.BodyLen())
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return keys.Key{}, fmt.Errorf("set raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return keys.Key{}, fmt.Errorf("read key input: %w", err)
		}
		if buf[0] == 0x0D || buf[0] == 0x0A {
			break
		}
		line = append(line, buf[0])
	}
	fmt.Printf("\r\n")

	body, err := hex.DecodeString(strings.TrimSpace(string(line)))
	if err != nil {
		return keys.Key{}, fmt.Errorf("invalid hex key: %w", err)
	}
	return keys.New(cipher, number, body)
}
