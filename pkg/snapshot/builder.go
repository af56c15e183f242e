// Package snapshot turns raw customer-portal payloads into the normalized
// account/site/tank tree and computes each tank's derived metrics.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tankwatch/tankwatch/pkg/log"
	"github.com/tankwatch/tankwatch/pkg/portal"
	"github.com/tankwatch/tankwatch/pkg/types"
)

const defaultProductDescription = "Propane Tank"

// Builder fetches and normalizes one account's subtree per cycle.
type Builder struct {
	client *portal.Client

	// FetchOrders controls whether delivery history is pulled per tank.
	FetchOrders bool
	// Concurrency bounds how many tanks fetch order history at once.
	Concurrency int
}

// NewBuilder returns a Builder over the given portal client with order
// fetching enabled at the given concurrency.
func NewBuilder(client *portal.Client, fetchOrders bool, concurrency int) *Builder {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Builder{
		client:      client,
		FetchOrders: fetchOrders,
		Concurrency: concurrency,
	}
}

// Build pulls the account summary and, per tank, the latest delivery, and
// returns the normalized account subtree. A failure fetching one tank's
// orders leaves that tank's delivery absent but never fails the account;
// a failure on the summary itself fails the whole account.
func (b *Builder) Build(ctx context.Context, bearerToken, accountID string) (types.Account, error) {
	sum, err := b.client.GetAccountSummary(ctx, bearerToken, accountID)
	if err != nil {
		return types.Account{}, err
	}

	acct := types.Account{
		ID:     accountID,
		Name:   sum.Name,
		City:   sum.City,
		Postal: sum.Postal,
	}
	if acct.ID == "" {
		acct.ID = sum.AccountID.String()
	}
	if fin := sum.FinancialSummary; fin != nil {
		acct.PaymentTerms = fin.PaymentTerms
		acct.Balance = fin.Balance
	}

	acct.Sites = make([]types.Site, 0, len(sum.SiteSummary))
	for _, raw := range sum.SiteSummary {
		acct.Sites = append(acct.Sites, b.normalizeSite(raw))
	}

	if b.FetchOrders {
		b.attachDeliveries(ctx, bearerToken, &acct)
	}

	for i := range acct.Sites {
		for j := range acct.Sites[i].Tanks {
			tank := &acct.Sites[i].Tanks[j]
			tank.Metrics = ComputeMetrics(tank.FullCapacity, tank.CurrentPercent, tank.ReadingDate, tank.LastDelivery)
		}
	}
	return acct, nil
}

func (b *Builder) normalizeSite(raw portal.SiteSummary) types.Site {
	site := types.Site{
		ID:      raw.SiteID.String(),
		Name:    raw.SiteName,
		Address: raw.Address1,
		City:    raw.City,
		State:   raw.State,
	}
	if site.Name == "" {
		site.Name = raw.Address1
	}
	if site.Name == "" {
		site.Name = site.ID
	}
	site.Tanks = make([]types.Tank, 0, len(raw.IPSummary))
	for i, ip := range raw.IPSummary {
		site.Tanks = append(site.Tanks, normalizeTank(site.ID, i, ip))
	}
	return site
}

func normalizeTank(siteID string, index int, ip portal.InstalledProduct) types.Tank {
	tank := types.Tank{
		InstalledProductID:  ip.InstalledProductID.String(),
		ProductID:           ip.ProductID.String(),
		ProductDescription:  ip.ProductDescription,
		TankMonitor:         ip.TankMonitor,
		TankOwnership:       ip.TankOwnership,
		FullCapacity:        ip.FullCapacity,
		FillCapacity:        ip.FillCapacity,
		CurrentPercent:      clampPercent(ip.EstCurrPct),
		ReadingDate:         portal.ParseTime(ip.EstimatedPercentageDate),
		MinimumFillQuantity: ip.MinimumFillQuantity,
	}
	// Tanks without a usable id still need a stable identity for the
	// device layer keyed off site and position.
	if tank.InstalledProductID == "" {
		tank.InstalledProductID = fmt.Sprintf("%s_%d", siteID, index)
	}
	if tank.ProductDescription == "" {
		tank.ProductDescription = defaultProductDescription
	}
	if tank.FullCapacity != nil && tank.FillCapacity != nil && *tank.FillCapacity > *tank.FullCapacity {
		tank.FillCapacity = tank.FullCapacity
	}
	return tank
}

func clampPercent(pct *float64) *float64 {
	if pct == nil {
		return nil
	}
	v := *pct
	if v < 0 {
		v = 0
	} else if v > 100 {
		v = 100
	}
	return &v
}

// attachDeliveries fetches the latest delivery for every tank in the
// account, bounded by Concurrency. Per-tank errors are logged and leave
// that tank's delivery nil.
func (b *Builder) attachDeliveries(ctx context.Context, bearerToken string, acct *types.Account) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.Concurrency)
	for i := range acct.Sites {
		for j := range acct.Sites[i].Tanks {
			i, j := i, j
			g.Go(func() error {
				tank := acct.Sites[i].Tanks[j]
				delivery, err := b.latestDelivery(gctx, bearerToken, tank.InstalledProductID)
				if err != nil {
					log.Ctx(ctx).WarnContext(ctx, "failed to fetch delivery history",
						slog.Any("error", err),
						slog.String("accountID", acct.ID),
						slog.String("installedProductID", tank.InstalledProductID),
					)
					return nil
				}
				mu.Lock()
				acct.Sites[i].Tanks[j].LastDelivery = delivery
				mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()
}

// latestDelivery lists a tank's orders, picks the most recent, and pulls
// its detail for quantity and pricing. Returns nil when the tank has no
// order history.
func (b *Builder) latestDelivery(ctx context.Context, bearerToken, installedProductID string) (*types.Delivery, error) {
	orders, err := b.client.ListOrders(ctx, bearerToken, installedProductID)
	if err != nil {
		return nil, err
	}
	latest := latestOrder(orders)
	if latest == nil {
		return nil, nil
	}
	detail, err := b.client.GetOrderDetail(ctx, bearerToken, latest.OrderID.String())
	if err != nil {
		return nil, err
	}
	return deliveryFromDetail(detail), nil
}

// latestOrder picks the order with the greatest completion date, breaking
// ties with the larger order id.
func latestOrder(orders []portal.OrderSummary) *portal.OrderSummary {
	var best *portal.OrderSummary
	for i := range orders {
		o := &orders[i]
		if best == nil {
			best = o
			continue
		}
		od, bd := portal.ParseTime(o.CompleteDate), portal.ParseTime(best.CompleteDate)
		switch {
		case od == nil:
		case bd == nil || od.After(*bd):
			best = o
		case od.Equal(*bd) && o.OrderID.Int() > best.OrderID.Int():
			best = o
		}
	}
	return best
}

func deliveryFromDetail(detail portal.OrderDetail) *types.Delivery {
	d := &types.Delivery{
		OrderID: detail.OrderID.String(),
		Total:   detail.GrandTotal,
	}
	if at := portal.ParseTime(detail.CompleteDate); at != nil {
		d.Date = *at
	}
	if line := propaneLineItem(detail.LineItems); line != nil {
		d.Gallons = line.Quantity
		d.PricePerGallon = line.UnitPrice
	}
	return d
}

// propaneLineItem finds the propane charge on an order, preferring a line
// described as propane over other fees, falling back to the first line
// with a positive quantity.
func propaneLineItem(lines []portal.OrderLineItem) *portal.OrderLineItem {
	for i := range lines {
		if strings.Contains(strings.ToLower(lines[i].ProductDescription), "propane") {
			return &lines[i]
		}
	}
	for i := range lines {
		if lines[i].Quantity != nil && *lines[i].Quantity > 0 {
			return &lines[i]
		}
	}
	return nil
}
