package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"ecoshare/agreement"
	"ecoshare/lifecycle"
)

// Registry tracks the agreements created during a run so other actors can
// pick targets. It never forgets an id; terminal agreements keep being hit.
type Registry struct {
	mu      sync.Mutex
	ids     []string
	parties map[string][2]string
}

func NewRegistry() *Registry {
	return &Registry{parties: make(map[string][2]string)}
}

func (r *Registry) add(a agreement.Agreement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, a.ID)
	r.parties[a.ID] = [2]string{a.Owner().IdentityID, a.Receiver().IdentityID}
}

// Pick returns a random agreement id and its owner and receiver.
func (r *Registry) Pick() (string, [2]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return "", [2]string{}, false
	}
	id := r.ids[rand.Intn(len(r.ids))]
	return id, r.parties[id], true
}

// IDs returns a snapshot of every registered agreement id.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// fatal reports errors that mean an invariant broke. Business-rule rejections
// and connection loss caused by chaos are expected under contention.
func fatal(err error) bool {
	return errors.Is(err, agreement.ErrIntegrityConflict) || errors.Is(err, agreement.ErrImmutableField)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

// Creator opens agreements between random pairs of users. About a third get
// a deadline short enough for the sweeper and late signers to race over it.
func Creator(ctx context.Context, engine *lifecycle.Engine, reg *Registry, users []string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		i := rand.Intn(len(users))
		j := (i + 1 + rand.Intn(len(users)-1)) % len(users)

		params := lifecycle.CreateParams{
			OwnerID:    users[i],
			ReceiverID: users[j],
			Subject: agreement.Subject{
				ItemType: []agreement.ItemType{agreement.ItemObject, agreement.ItemFood}[rand.Intn(2)],
				ItemID:   fmt.Sprintf("item-%d", rand.Int63()),
				Title:    "Stress item",
			},
			Terms: agreement.Terms{
				DeliveryMethod: agreement.DeliveryPickup,
				ExchangeAt:     time.Now().Add(48 * time.Hour),
				Location:       "Lyon",
			},
			Draft: rand.Intn(6) == 0,
		}
		if rand.Intn(3) == 0 {
			deadline := time.Now().Add(time.Duration(200+rand.Intn(1500)) * time.Millisecond)
			params.ExpiresAt = &deadline
		}

		a, err := engine.Create(ctx, params)
		switch {
		case err == nil:
			reg.add(a)
		case fatal(err):
			return fmt.Errorf("creator: %w", err)
		}
		pause(10, 20)
	}
}

// Signer signs random agreements as a random participant, or occasionally as
// an outsider. Duplicate and late signatures must be rejected, never applied.
func Signer(ctx context.Context, engine *lifecycle.Engine, reg *Registry, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, parties, ok := reg.Pick()
		if !ok {
			pause(10, 10)
			continue
		}
		identity := parties[rand.Intn(2)]
		if rand.Intn(20) == 0 {
			identity = "outsider"
		}
		_, err := engine.Sign(ctx, lifecycle.SignParams{
			Ref:        id,
			IdentityID: identity,
			Artifact:   "signed by " + identity,
			IPAddress:  "198.51.100.1",
			UserAgent:  "stress",
		})
		if err != nil && fatal(err) {
			return fmt.Errorf("signer: %w", err)
		}
		pause(5, 20)
	}
}

// Completer hands over random agreements. Only signed ones may complete.
func Completer(ctx context.Context, engine *lifecycle.Engine, reg *Registry, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if id, parties, ok := reg.Pick(); ok {
			if _, err := engine.Complete(ctx, id, parties[rand.Intn(2)]); err != nil && fatal(err) {
				return fmt.Errorf("completer: %w", err)
			}
		}
		pause(20, 40)
	}
}

// Canceller withdraws a small share of agreements.
func Canceller(ctx context.Context, engine *lifecycle.Engine, reg *Registry, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if id, parties, ok := reg.Pick(); ok {
			if _, err := engine.Cancel(ctx, id, parties[rand.Intn(2)], "changed plans"); err != nil && fatal(err) {
				return fmt.Errorf("canceller: %w", err)
			}
		}
		pause(80, 120)
	}
}

// Sweeper runs expiry passes back to back with the signers.
func Sweeper(ctx context.Context, sweeper *lifecycle.Sweeper, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if _, err := sweeper.Run(ctx); err != nil && fatal(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		pause(50, 100)
	}
}

// Reader fetches agreements for display, which verifies the fingerprint.
func Reader(ctx context.Context, engine *lifecycle.Engine, reg *Registry, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if id, parties, ok := reg.Pick(); ok {
			if _, err := engine.Get(ctx, id, parties[0]); err != nil && fatal(err) {
				return fmt.Errorf("reader: %w", err)
			}
			if _, _, err := engine.List(ctx, parties[1], agreement.ListFilter{}.Normalize()); err != nil && fatal(err) {
				return fmt.Errorf("reader list: %w", err)
			}
		}
		pause(10, 30)
	}
}
