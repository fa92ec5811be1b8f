package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/e2b-dev/infra/packages/memshare/internal/guest/wasmguest"
)

func main() {
	out := flag.String("out", "guest.wasm", "path to write the guest module to")
	pages := flag.Uint("pages", 1, "initial memory size in 64 KiB pages")

	flag.Parse()

	if *pages == 0 || *pages > 65535 {
		log.Fatalf("invalid number of pages: %d", *pages)
	}

	module := wasmguest.Build(wasmguest.Options{InitialPages: uint32(*pages)})

	err := os.WriteFile(*out, module, 0o644)
	if err != nil {
		log.Fatalf("failed to write guest module: %s", err)
	}

	fmt.Printf("wrote %d bytes to %s\n", len(module), *out)
}
