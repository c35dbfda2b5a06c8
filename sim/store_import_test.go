package sim_test

// Blank import triggers sim/store's init(), which registers OpenPlanStoreFunc
// for the badger-backed tests in package sim.
import _ "github.com/inference-sim/plancache/sim/store"
