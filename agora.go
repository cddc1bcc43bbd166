package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/web5design/collab/agora"
	"github.com/web5design/collab/limit"
	"github.com/web5design/collab/server"
)

func main() {
	var cpuprofile, memprofile, mutexprofile string
	var addr, dataDir string
	var insecure bool

	flag.StringVar(&addr, "addr", "",
		"listen `address` (overrides the configuration file)")
	flag.BoolVar(&insecure, "insecure", false,
		"accept plain websocket connections rather than TLS")
	flag.StringVar(&dataDir, "data", "./data/",
		"data `directory`")
	flag.StringVar(&cpuprofile, "cpuprofile", "",
		"store CPU profile in `file`")
	flag.StringVar(&memprofile, "memprofile", "",
		"store memory profile in `file`")
	flag.StringVar(&mutexprofile, "mutexprofile", "",
		"store mutex profile in `file`")
	flag.Parse()

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Printf("Create(cpuprofile): %v", err)
			return
		}
		pprof.StartCPUProfile(f)
		defer func() {
			pprof.StopCPUProfile()
			f.Close()
		}()
	}

	if memprofile != "" {
		defer func() {
			f, err := os.Create(memprofile)
			if err != nil {
				log.Printf("Create(memprofile): %v", err)
				return
			}
			pprof.WriteHeapProfile(f)
			f.Close()
		}()
	}

	if mutexprofile != "" {
		runtime.SetMutexProfileFraction(1)
		defer func() {
			f, err := os.Create(mutexprofile)
			if err != nil {
				log.Printf("Create(mutexprofile): %v", err)
				return
			}
			pprof.Lookup("mutex").WriteTo(f, 0)
			f.Close()
		}()
	}

	n, err := limit.Nofile()
	if err != nil {
		log.Printf("Couldn't get file descriptor limit: %v", err)
	} else if n < 1024 {
		log.Printf("Warning: file descriptor limit is %v, "+
			"expect problems with many clients", n)
	}

	config, err := server.ReadConfig(
		filepath.Join(dataDir, "config.json"),
	)
	if err != nil {
		log.Printf("Read config: %v", err)
		os.Exit(1)
	}
	if addr != "" {
		config.Address = addr
	}
	if insecure {
		config.Insecure = true
	}

	srv := server.New(config, dataDir)
	as := agora.NewServer()
	if config.MaxPacketBufferCapacity > 0 {
		as.MaxPacketBufferCapacity = config.MaxPacketBufferCapacity
	}
	srv.Register(as)

	serverDone := make(chan struct{})
	go func() {
		err := srv.Serve()
		if err != nil {
			log.Printf("Server: %v", err)
		}
		close(serverDone)
	}()

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-terminate:
		srv.Shutdown()
	case <-serverDone:
		os.Exit(1)
	}
}
