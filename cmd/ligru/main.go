// Package main provides the ligru engine CLI.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/ligru-ml/ligru/rnn"
)

const version = "v0.0.1-dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("ligru %s\n", version)
			return
		case "bench":
			bench(os.Args[2:])
			return
		}
	}

	fmt.Println("ligru - light-gated recurrent layer engines")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version            Show version")
	fmt.Println("  bench [T B H]      Time a forward+backward pass")
}

func bench(args []string) {
	seqLen, batch, hidden := 64, 16, 256
	if len(args) >= 3 {
		seqLen = atoi(args[0], seqLen)
		batch = atoi(args[1], batch)
		hidden = atoi(args[2], hidden)
	}

	rng := rand.New(rand.NewSource(42))
	wx := randomTensor(rng, rnn.Shape{seqLen, batch, hidden * 2})
	hInit := randomTensor(rng, rnn.Shape{batch, hidden})
	u := randomTensor(rng, rnn.Shape{hidden, hidden * 2})
	gradOut := randomTensor(rng, rnn.Shape{seqLen + 1, batch, hidden})

	cfg := rnn.Config{Training: true, Activation: rnn.Tanh}

	start := time.Now()
	res, err := rnn.Forward(cfg, wx, hInit, u)
	if err != nil {
		fmt.Fprintf(os.Stderr, "forward: %v\n", err)
		os.Exit(1)
	}
	fwdTime := time.Since(start)

	start = time.Now()
	if _, err := rnn.Backward(cfg, wx, u, res, gradOut); err != nil {
		fmt.Fprintf(os.Stderr, "backward: %v\n", err)
		os.Exit(1)
	}
	bwdTime := time.Since(start)

	fmt.Printf("T=%d B=%d H=%d activation=%s\n", seqLen, batch, hidden, cfg.Activation)
	fmt.Printf("forward:  %v\n", fwdTime)
	fmt.Printf("backward: %v\n", bwdTime)
}

func randomTensor(rng *rand.Rand, shape rnn.Shape) *rnn.RawTensor {
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	t, err := rnn.FromSlice(data, shape, rnn.CPU)
	if err != nil {
		panic(err)
	}
	return t
}

func atoi(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
