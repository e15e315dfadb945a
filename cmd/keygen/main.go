// Command keygen prints a fresh pool or miner identity: the private key to
// keep and the wallet address derived from it.
package main

import (
	"fmt"
	"log"

	"github.com/upow-network/imagepool/internal/wallet"
)

func main() {
	kp, err := wallet.Generate()
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	fmt.Printf("private key: %s\n", kp.Hex())
	fmt.Printf("address:     %s\n", kp.Address())
}
