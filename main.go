package main

import (
	"log"

	"github.com/sjzar/dedrm/cmd/dedrm"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	dedrm.Execute()
}
