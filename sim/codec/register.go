// register.go wires the binary codec into sim.NewCodecFunc. This init() runs
// when any package imports sim/codec; test code in package sim uses
// codec_import_test.go for the blank import.
package codec

import "github.com/inference-sim/plancache/sim"

func init() {
	sim.NewCodecFunc = func(cfg sim.CodecConfig) (sim.Codec, error) {
		return New(cfg)
	}
}
