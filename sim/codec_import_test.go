package sim_test

// Blank import triggers sim/codec's init(), which registers NewCodecFunc.
// This allows package sim's internal test files to encode plan content
// without directly importing sim/codec (which would create an import cycle).
import _ "github.com/inference-sim/plancache/sim/codec"
