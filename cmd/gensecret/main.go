package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// HS256 signing key must not be shorter
const minSecretKeyBytesLen = 32

func main() {
	length := pflag.IntP("length", "n", minSecretKeyBytesLen, "Number of random bytes in the key")
	pflag.Parse()

	if *length < minSecretKeyBytesLen {
		fmt.Fprintf(os.Stderr, "key length must be at least %d bytes\n", minSecretKeyBytesLen)
		os.Exit(1)
	}

	b := make([]byte, *length)

	_, err := rand.Read(b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error while generating secret key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hex.EncodeToString(b))
}
