package envelope

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"

	"github.com/anishathalye/porcupine"
)

type signOp struct {
	signer int
}

type signOutcome struct {
	result string
}

// outcome maps a Sign error onto the label the model predicts.
func outcome(err error) string {
	var ae *apperr.Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ae) && ae.Reason != "":
		return ae.Reason
	default:
		return "error: " + err.Error()
	}
}

// signingModel is the sequential model of Sign over signers with
// orders 1..n. State is one byte per signer, '1' once signed.
func signingModel(orders []int) porcupine.Model {
	return porcupine.Model{
		Init: func() interface{} {
			b := make([]byte, len(orders))
			for i := range b {
				b[i] = '0'
			}
			return string(b)
		},
		Step: func(state, input, output interface{}) (bool, interface{}) {
			st := state.(string)
			in := input.(signOp)
			out := output.(signOutcome).result
			if out == "contention" {
				return true, st
			}
			want := "ok"
			allSigned := true
			for i := range st {
				if st[i] == '0' {
					allSigned = false
				}
			}
			switch {
			case allSigned:
				want = "already_completed"
			default:
				for i := range st {
					if st[i] == '0' && orders[i] < orders[in.signer] {
						want = "out_of_order"
						break
					}
				}
				if want == "ok" && st[in.signer] == '1' {
					want = "already_signed"
				}
			}
			if out != want {
				return false, st
			}
			if want != "ok" {
				return true, st
			}
			next := []byte(st)
			next[in.signer] = '1'
			return true, string(next)
		},
		DescribeOperation: func(input, output interface{}) string {
			return fmt.Sprintf("sign(%d) -> %s", input.(signOp).signer, output.(signOutcome).result)
		},
	}
}

func TestConcurrentSignIsLinearizable(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		c := h.create(t, CreateInput{Signers: []SignerInput{
			{Name: "A", Order: 1}, {Name: "B", Order: 2}, {Name: "C", Order: 2}, {Name: "D", Order: 3},
		}})
		orders := make([]int, len(c.Envelope.Signers))
		for i, s := range c.Envelope.Signers {
			orders[i] = s.Order
		}

		var clk int64
		var mu sync.Mutex
		var ops []porcupine.Operation
		var wg sync.WaitGroup
		for client := 0; client < 6; client++ {
			wg.Add(1)
			go func(client int) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(int64(round*100 + client)))
				for k := 0; k < 8; k++ {
					i := rng.Intn(len(c.Links))
					call := atomic.AddInt64(&clk, 1)
					_, err := h.svc.Sign(context.Background(), c.Links[i].Token, typed(c.Links[i].Name))
					ret := atomic.AddInt64(&clk, 1)
					mu.Lock()
					ops = append(ops, porcupine.Operation{
						ClientId: client,
						Input:    signOp{signer: i},
						Call:     call,
						Output:   signOutcome{result: outcome(err)},
						Return:   ret,
					})
					mu.Unlock()
				}
			}(client)
		}
		wg.Wait()

		if !porcupine.CheckOperations(signingModel(orders), ops) {
			t.Fatalf("round %d: history is not linearizable", round)
		}
		env, _ := h.store.GetEnvelope(context.Background(), c.Envelope.ID)
		pending := 0
		for _, s := range env.Signers {
			if s.Status == SignerPending {
				pending++
			}
		}
		if (env.Status == StatusCompleted) != (pending == 0) {
			t.Fatalf("round %d: status %s with %d pending signers", round, env.Status, pending)
		}
		if env.Status == StatusCompleted && env.CompletionAnchor.TxID == "" {
			t.Fatalf("round %d: completed without a completion anchor", round)
		}
	}
}
