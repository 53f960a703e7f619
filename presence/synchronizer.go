package presence

import (
	"context"
	"encoding/json"
	"sort"

	"drawsync/core"

	"github.com/sirupsen/logrus"
)

// UserField is the presence field holding a participant's core.User.
const UserField = "tdUser"

// Synchronizer feeds the local user into the channel and the live set of
// remote users into an editor.
type Synchronizer struct {
	ch *Channel
}

func NewSynchronizer(ch *Channel) *Synchronizer {
	return &Synchronizer{ch: ch}
}

// Publish writes the local user into this client's presence record.
func (s *Synchronizer) Publish(user core.User) error {
	return s.ch.SetLocalStateField(UserField, user)
}

// Others returns the users of every other client with a well-formed record,
// ordered by client id.
func (s *Synchronizer) Others() []core.User {
	states := s.ch.States()
	ids := make([]uint64, 0, len(states))
	for id := range states {
		if id != s.ch.ClientID() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	users := make([]core.User, 0, len(ids))
	for _, id := range ids {
		raw, ok := states[id][UserField]
		if !ok || len(raw) == 0 {
			continue
		}
		var u core.User
		if err := json.Unmarshal(raw, &u); err != nil || u.ID == "" {
			continue
		}
		users = append(users, u)
	}
	return users
}

// Reconcile drops collaborators that are gone and replaces the editor's
// remote list with the live set.
func (s *Synchronizer) Reconcile(view core.CollaboratorView) {
	if !view.InRoom() {
		return
	}

	others := s.Others()
	live := make(map[string]bool, len(others))
	for _, u := range others {
		live[u.ID] = true
	}

	local := view.LocalUserID()
	for id := range view.Users() {
		if !live[id] && id != local {
			view.RemoveUser(id)
		}
	}
	view.UpdateUsers(others)
}

// Run reconciles the view on every presence change until ctx is done.
func (s *Synchronizer) Run(ctx context.Context, view core.CollaboratorView) error {
	sub := s.ch.Subscribe()
	defer sub.Off()

	s.Reconcile(view)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.C:
			if !ok {
				return nil
			}
			s.Reconcile(view)
			logrus.WithField("collaborators", len(s.Others())).Debug("Presence reconciled")
		}
	}
}
