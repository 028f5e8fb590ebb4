package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"periph.io/x/conn/v3/physic"

	"github.com/BertoldVdb/qspiloader/devinfo"
	"github.com/BertoldVdb/qspiloader/flashsim"
	"github.com/BertoldVdb/qspiloader/loader"
	"github.com/BertoldVdb/qspiloader/periphspi"
	"github.com/BertoldVdb/qspiloader/qspi"
	"github.com/BertoldVdb/qspiloader/spidev"
	"github.com/BertoldVdb/qspiloader/spiflash"
)

var (
	backend = flag.String("backend", "sim", "Flash backend: sim, spidev or periph")
	dev     = flag.String("dev", "/dev/spidev0.0", "spidev node or periph.io port name")
	speed   = flag.Uint32("speed", 10000000, "SPI clock in Hz")
	dual    = flag.Bool("dual", false, "Use dual line reads (spidev only)")
	image   = flag.String("image", "", "Backing file for the simulated flash")
	verbose = flag.BoolP("verbose", "v", false, "Debug logging")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] command [args]\n", os.Args[0])
	flag.PrintDefaults()
	fmt.Fprint(os.Stderr, `
Commands (addresses are memory-mapped, starting at 0x90000000):
  id                       Print the JEDEC id
  info                     Print geometry and device descriptor
  descriptor FILE          Write the binary device descriptor
  erase START END          Erase the sectors covering START..END
  mass-erase               Erase the whole chip
  write ADDR FILE          Program FILE at ADDR and verify it
  read ADDR LEN FILE       Read LEN bytes at ADDR into FILE
  checksum ADDR LEN        Print the CRC-32 of LEN bytes at ADDR
`)
	os.Exit(2)
}

func parseNumber(log logrus.FieldLogger, s string) uint32 {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		log.Fatalln("invalid number:", s)
	}
	return uint32(v)
}

type backendState struct {
	transport qspi.Transport
	opts      []spiflash.Option
	close     func() error
}

func openBackend(log logrus.FieldLogger) backendState {
	switch *backend {
	case "sim":
		chip := flashsim.New(int(spiflash.W25Q32.Size))
		if *image != "" {
			if data, err := os.ReadFile(*image); err == nil {
				copy(chip.Memory(), data)
			} else if !os.IsNotExist(err) {
				log.Fatalln(err)
			}
		}

		return backendState{
			transport: chip,
			close: func() error {
				log.WithField("pages", chip.ProgrammedPages()).Debug("simulator done")
				if *image == "" {
					return nil
				}
				return os.WriteFile(*image, chip.Memory(), 0644)
			},
		}

	case "spidev":
		s, err := spidev.New(*dev, *speed, *dual)
		if err != nil {
			log.Fatalln(err)
		}

		var opts []spiflash.Option
		if !*dual {
			opts = append(opts, spiflash.WithReadMode(spiflash.ReadFast))
		}
		/* spidev limits a transfer to its bufsiz, 4 KiB by default */
		opts = append(opts, spiflash.WithMaxTransfer(4096-5))

		return backendState{transport: s.Transport(), opts: opts, close: s.Close}

	case "periph":
		p, err := periphspi.Open(*dev, physic.Frequency(*speed)*physic.Hertz)
		if err != nil {
			log.Fatalln(err)
		}

		return backendState{
			transport: p.Transport(),
			opts: []spiflash.Option{
				spiflash.WithReadMode(spiflash.ReadFast),
				spiflash.WithMaxTransfer(p.MaxTransfer()),
			},
			close: p.Close,
		}
	}

	log.Fatalln("unknown backend:", *backend)
	return backendState{}
}

func run(log *logrus.Logger, l *loader.Loader, args []string) bool {
	base := l.Info().StartAddress

	switch args[0] {
	case "id":
		mfr, id, err := l.Flash().Identify()
		if err != nil {
			log.Errorln(err)
			return false
		}

		name := "unknown"
		if p, ok := spiflash.Lookup(mfr, id); ok {
			name = p.Name
		}
		fmt.Printf("%02x %04x %s\n", mfr, id, name)
		return true

	case "info":
		info := l.Info()
		g := l.Flash().Geometry()
		fmt.Printf("%s (%s) at %08x: %d bytes, page %d, sector %d (%d), block %d (%d)\n",
			info.Name, l.Flash().Part().Name, info.StartAddress, g.Size, g.PageSize, g.SectorSize, g.Sectors(), g.BlockSize, g.Blocks())
		for _, m := range info.Sectors {
			fmt.Printf("  %d x %d\n", m.Count, m.Size)
		}
		return info.Validate() == nil

	case "descriptor":
		if len(args) != 2 {
			usage()
		}
		info := l.Info()
		data, err := info.MarshalBinary()
		if err != nil {
			log.Errorln(err)
			return false
		}
		return os.WriteFile(args[1], data, 0644) == nil

	case "erase":
		if len(args) != 3 {
			usage()
		}
		return l.SectorErase(parseNumber(log, args[1]), parseNumber(log, args[2])) == loader.Success

	case "mass-erase":
		return l.MassErase() == loader.Success

	case "write":
		if len(args) != 3 {
			usage()
		}
		addr := parseNumber(log, args[1])
		data, err := os.ReadFile(args[2])
		if err != nil {
			log.Errorln(err)
			return false
		}

		if l.Write(addr, uint32(len(data)), data) != loader.Success {
			return false
		}
		if v := l.Verify(addr, uint32(len(data)), data); v != uint64(addr)+uint64(len(data)) {
			log.Errorf("verify failed at %08x", v)
			return false
		}
		log.Infof("wrote %d bytes at %08x", len(data), addr)
		return true

	case "read":
		if len(args) != 4 {
			usage()
		}
		addr := parseNumber(log, args[1])
		size := parseNumber(log, args[2])

		buf := make([]byte, size)
		if l.Read(addr, size, buf) != loader.Success {
			return false
		}
		return os.WriteFile(args[3], buf, 0644) == nil

	case "checksum":
		if len(args) != 3 {
			usage()
		}
		sum, ok := l.Checksum(parseNumber(log, args[1]), parseNumber(log, args[2]))
		if ok != loader.Success {
			return false
		}
		fmt.Printf("%08x\n", sum)
		return true
	}

	log.Errorf("unknown command %q (device base %08x)", args[0], base)
	return false
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}

	log := logrus.New()
	log.Formatter = &prefixed.TextFormatter{FullTimestamp: true}
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	b := openBackend(log.WithField("prefix", *backend))

	opts := append(b.opts, spiflash.WithLogger(log.WithField("prefix", "flash")))
	flash := spiflash.New(b.transport, opts...)

	l := loader.New(flash,
		loader.WithLogger(log.WithField("prefix", "loader")),
		loader.WithStorageInfo(devinfo.W25Q32),
	)

	ok := l.Init() == loader.Success && run(log, l, flag.Args())

	if err := b.close(); err != nil {
		log.Errorln(err)
		ok = false
	}
	if !ok {
		os.Exit(1)
	}
}
