package fusion

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vote(fault bool, likelihood float64) Vote {
	return Vote{Ran: true, Fault: fault, Likelihood: likelihood}
}

func TestFuse_OrScenario(t *testing.T) {
	t.Parallel()

	d := Fuse(StrategyOr, Input{
		CNN:      vote(false, 0.2),
		ProtoNet: vote(true, 0.7),
	})
	assert.True(t, d.Fault)
	assert.InDelta(t, 0.7, d.Confidence, 1e-9)
	assert.Equal(t, 1, d.Agreement)
	assert.Equal(t, 2, d.Voters)
}

func TestFuse_AllScenario(t *testing.T) {
	t.Parallel()

	d := Fuse(StrategyAll, Input{
		CNN:      vote(true, 0.8),
		ProtoNet: vote(false, 0.3),
	})
	assert.False(t, d.Fault)
	assert.InDelta(t, 1-0.3, d.Confidence, 1e-9)
}

func TestFuse_Rules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		strategy  Strategy
		in        Input
		wantFault bool
		wantRaw   float64
	}{
		{"or none", StrategyOr, Input{CNN: vote(false, 0.1), ProtoNet: vote(false, 0.4)}, false, 0.4},
		{"or multiclass counts", StrategyOr, Input{CNN: vote(false, 0.1), Multiclass: vote(true, 0.9)}, true, 0.9},
		{"and both", StrategyAnd, Input{CNN: vote(true, 0.6), ProtoNet: vote(true, 0.8)}, true, 0.6},
		{"and one", StrategyAnd, Input{CNN: vote(true, 0.6), ProtoNet: vote(false, 0.4)}, false, 0.4},
		{"and ignores multiclass vote", StrategyAnd, Input{CNN: vote(true, 0.6), ProtoNet: vote(true, 0.7), Multiclass: vote(false, 0.1)}, true, 0.6},
		{"and single primary", StrategyAnd, Input{ProtoNet: vote(true, 0.7)}, true, 0.7},
		{"all three", StrategyAll, Input{CNN: vote(true, 0.6), ProtoNet: vote(true, 0.7), Multiclass: vote(true, 0.9)}, true, 0.6},
		{"majority two of three", StrategyMajority, Input{CNN: vote(true, 0.6), ProtoNet: vote(true, 0.9), Multiclass: vote(false, 0.3)}, true, 0.6},
		{"majority tie is ok", StrategyMajority, Input{CNN: vote(true, 0.6), ProtoNet: vote(false, 0.2)}, false, 0.4},
		{"verify confirmed", StrategyVerify, Input{CNN: vote(true, 0.8), ProtoNet: vote(false, 0.4), Multiclass: vote(true, 0.6)}, true, 0.6},
		{"verify rejected", StrategyVerify, Input{CNN: vote(true, 0.8), ProtoNet: vote(false, 0.4), Multiclass: vote(false, 0.1)}, false, (0.8 + 0.4 + 0.1) / 3},
		{"verify without multiclass", StrategyVerify, Input{CNN: vote(true, 0.8), ProtoNet: vote(false, 0.4)}, true, 0.8},
		{"classify is primary or", StrategyClassify, Input{CNN: vote(false, 0.2), ProtoNet: vote(true, 0.7), Multiclass: vote(false, 0.05)}, true, 0.7},
		{"classify_and", StrategyClassifyAnd, Input{CNN: vote(false, 0.2), ProtoNet: vote(true, 0.7), Multiclass: vote(true, 0.99)}, false, 0.2},
		{"single cnn", StrategyCNN, Input{CNN: vote(true, 0.7), ProtoNet: vote(false, 0.1)}, true, 0.7},
		{"single protonet", StrategyProtoNet, Input{CNN: vote(true, 0.7), ProtoNet: vote(false, 0.1)}, false, 0.1},
		{"single multiclass", StrategyMulticlass, Input{Multiclass: vote(true, 0.95)}, true, 0.95},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Fuse(tt.strategy, tt.in)
			assert.Equal(t, tt.wantFault, d.Fault)
			assert.InDelta(t, tt.wantRaw, d.Raw, 1e-9)
		})
	}
}

func TestFuse_MajorityWeights(t *testing.T) {
	t.Parallel()

	d := Fuse(StrategyMajority, Input{
		CNN:      vote(true, 0.8),
		ProtoNet: vote(true, 0.6),
		Weights:  Weights{CNN: 3, ProtoNet: 1},
	})
	assert.True(t, d.Fault)
	assert.InDelta(t, (3*0.8+0.6)/4, d.Raw, 1e-9)
}

func TestFuse_NoVoters(t *testing.T) {
	t.Parallel()

	d := Fuse(StrategyOr, Input{})
	assert.False(t, d.Fault)
	assert.Equal(t, 0, d.Voters)
	assert.Equal(t, 1.0, d.Confidence)
}

// Every strategy keeps confidence in [0,1], OK confidence is the complement of
// the fault likelihood, ALL is FAULT iff every active model is, OR iff any is.
func TestFuse_Properties(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	randomVote := func() Vote {
		if rng.Intn(4) == 0 {
			return Vote{}
		}
		l := rng.Float64()
		return Vote{Ran: true, Fault: l > 0.5, Likelihood: l}
	}

	for i := 0; i < 2000; i++ {
		in := Input{CNN: randomVote(), ProtoNet: randomVote(), Multiclass: randomVote()}
		active := ran(in, CNN, ProtoNet, Multiclass)
		faults := countFaults(in, active)

		for _, s := range Strategies {
			d := Fuse(s, in)
			require.GreaterOrEqual(t, d.Confidence, 0.0, "strategy %s", s)
			require.LessOrEqual(t, d.Confidence, 1.0, "strategy %s", s)
			if !d.Fault {
				require.InDelta(t, 1-d.Raw, d.Confidence, 1e-12, "strategy %s", s)
			} else {
				require.InDelta(t, d.Raw, d.Confidence, 1e-12, "strategy %s", s)
			}
		}

		if len(active) > 0 {
			assert.Equal(t, faults == len(active), Fuse(StrategyAll, in).Fault)
			assert.Equal(t, faults > 0, Fuse(StrategyOr, in).Fault)
		}
	}
}

func TestStrategy_Classification(t *testing.T) {
	t.Parallel()

	for _, s := range Strategies {
		parsed, err := ParseStrategy(" " + string(s) + " ")
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStrategy("sometimes")
	assert.Error(t, err)

	assert.True(t, StrategyAnd.IsStrict())
	assert.True(t, StrategyAll.IsStrict())
	assert.True(t, StrategyClassifyAnd.IsStrict())
	assert.False(t, StrategyOr.IsStrict())
	assert.False(t, StrategyVerify.IsStrict())

	assert.True(t, StrategyVerify.IsVerifyStyle())
	assert.True(t, StrategyClassify.IsVerifyStyle())
	assert.False(t, StrategyClassifyAnd.IsVerifyStyle())
}

func TestStrategy_Allowed(t *testing.T) {
	t.Parallel()

	enabled := Enabled{CNN: true, ProtoNet: false, Multiclass: true}
	assert.Equal(t, enabled, StrategyOr.Allowed(enabled))
	assert.Equal(t, Enabled{ProtoNet: true}, StrategyProtoNet.Allowed(enabled))
	assert.Equal(t, Enabled{Multiclass: true}, StrategyMulticlass.Allowed(Enabled{}))
	assert.Equal(t, 1, StrategyCNN.Allowed(enabled).Count())
}

func TestStrategy_ShouldRunMulticlass(t *testing.T) {
	t.Parallel()

	assert.True(t, StrategyOr.ShouldRunMulticlass(false, false))
	assert.False(t, StrategyVerify.ShouldRunMulticlass(false, false))
	assert.True(t, StrategyVerify.ShouldRunMulticlass(true, false))
	assert.True(t, StrategyClassify.ShouldRunMulticlass(false, true))
}

func TestStrategy_CNNThreshold(t *testing.T) {
	t.Parallel()

	suspicious := Vote{Ran: true, Likelihood: 0.45}
	calm := Vote{Ran: true, Likelihood: 0.2}

	assert.Equal(t, 0.15, StrategyOr.CNNThreshold(0.29, 0.15, 0.35, suspicious))
	assert.Equal(t, 0.29, StrategyOr.CNNThreshold(0.29, 0.15, 0.35, calm))
	assert.Equal(t, 0.29, StrategyAnd.CNNThreshold(0.29, 0.15, 0.35, suspicious))
	assert.Equal(t, 0.29, StrategyMajority.CNNThreshold(0.29, 0.15, 0.35, Vote{}))
}
