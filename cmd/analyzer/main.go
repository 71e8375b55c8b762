package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	analyzer "github.com/MashaWaleed/BrightAnalyze"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("c", "", "ini config file path")
	kind := flag.String("t", "", "transport kind: socketcan, slcan, virtual")
	iface := flag.String("i", "", "socketcan interface e.g. can0,vcan0")
	device := flag.String("dev", "", "slcan serial device e.g. /dev/ttyACM0")
	address := flag.String("addr", "", "virtualcan server address e.g. localhost:18889")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address")
	txID := flag.Uint("tx", 0x7E0, "diagnostic request can id")
	rxID := flag.Uint("rx", 0x7E8, "diagnostic response can id")
	readVin := flag.Bool("vin", false, "read the VIN (DID 0xF190) over UDS and exit")
	quiet := flag.Bool("q", false, "do not print received frames")
	debug := flag.Bool("d", false, "debug logging")
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg := analyzer.DefaultConfig()
	if *configPath != "" {
		loaded, err := analyzer.LoadConfig(*configPath)
		if err != nil {
			fmt.Printf("could not load config : %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *kind != "" {
		cfg.Transport.Kind = *kind
	}
	if *iface != "" {
		cfg.Transport.Interface = *iface
	}
	if *device != "" {
		cfg.Transport.Device = *device
	}
	if *address != "" {
		cfg.Transport.Address = *address
	}

	core := analyzer.New(cfg)
	if err := core.Connect(); err != nil {
		fmt.Printf("could not connect via %v : %v\n", cfg.Transport.Kind, err)
		os.Exit(1)
	}
	defer core.Shutdown()

	if *metricsAddr != "" {
		analyzer.StartMetrics(*metricsAddr)
	}

	sub := core.SubscribeFrames()
	defer sub.Close()
	go func() {
		for {
			select {
			case f := <-sub.C:
				if !*quiet {
					fmt.Println(f)
				}
			case <-sub.Done():
				return
			}
		}
	}()

	if *readVin {
		ep, err := core.RegisterIsoTP(uint32(*txID), uint32(*rxID))
		if err != nil {
			fmt.Printf("could not register endpoint : %v\n", err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		vin, err := core.Client(ep).ReadDataByIdentifier(ctx, 0xF190)
		if err != nil {
			fmt.Printf("vin read failed : %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("VIN: %s\n", vin)
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")
}
