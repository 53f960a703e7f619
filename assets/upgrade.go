package assets

import (
	"context"
	"strings"

	"drawsync/core"
	"drawsync/replica"

	"github.com/sirupsen/logrus"
)

type upgradeOrigin struct{}

// UpgradeInsecure keeps every asset source on https: each time the assets map
// changes, http:// sources are rewritten in a single transaction. It returns
// when ctx is done.
func UpgradeInsecure(ctx context.Context, doc *replica.Doc, assets *replica.Map) error {
	sub := assets.ObserveDeep()
	defer sub.Unobserve()

	upgradeAll(doc, assets)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.C:
			if !ok {
				return nil
			}
			upgradeAll(doc, assets)
		}
	}
}

func upgradeAll(doc *replica.Doc, assets *replica.Map) int {
	n := 0
	doc.Transact(upgradeOrigin{}, func(tx *replica.Transaction) {
		for _, e := range tx.Entries(assets) {
			var a core.Asset
			if err := e.Value.Decode(&a); err != nil {
				continue
			}
			rest, ok := strings.CutPrefix(a.Src, "http://")
			if !ok {
				continue
			}
			a.Src = "https://" + rest
			if err := tx.Set(assets, e.Key, a); err == nil {
				n++
			}
		}
	})
	if n > 0 {
		logrus.WithField("count", n).Info("Upgraded insecure asset sources")
	}
	return n
}
