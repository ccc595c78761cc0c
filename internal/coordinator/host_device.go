package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tz01-bridge/internal/capability"
	"tz01-bridge/internal/driver"
	"tz01-bridge/internal/zcl"
)

type subscriptionKey struct {
	endpoint uint8
	key      driver.ReportKey
}

// hostDevice is the driver.Device the coordinator hands to a driver. It
// outlives the driver's Init call and routes reports to its subscriptions.
type hostDevice struct {
	coord    *Coordinator
	ieee     string
	ieeeAddr [8]byte
	handler  driver.Handler
	logger   *slog.Logger

	mu   sync.RWMutex
	subs map[subscriptionKey]func(raw int64)
}

var _ driver.Device = (*hostDevice)(nil)

func newHostDevice(coord *Coordinator, ieee string, ieeeAddr [8]byte, logger *slog.Logger) *hostDevice {
	return &hostDevice{
		coord:    coord,
		ieee:     ieee,
		ieeeAddr: ieeeAddr,
		logger:   logger,
		subs:     make(map[subscriptionKey]func(int64)),
	}
}

func (d *hostDevice) IEEE() string { return d.ieee }

func (d *hostDevice) Subscribe(endpoint uint8, key driver.ReportKey, fn func(raw int64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[subscriptionKey{endpoint, key}] = fn
}

func (d *hostDevice) SetCapabilityValue(name capability.Name, value any) <-chan error {
	return d.coord.sink.Write(d.ieee, name, value)
}

// ConfigureReporting binds each cluster the rules touch and sends one
// Configure Reporting request per endpoint and cluster. The combined result
// arrives on the returned channel.
func (d *hostDevice) ConfigureReporting(rules []driver.ReportingRule) <-chan error {
	done := make(chan error, 1)
	rules = append([]driver.ReportingRule(nil), rules...)
	started := d.coord.goBackground(func() {
		done <- d.configure(rules)
		close(done)
	})
	if !started {
		done <- ErrStopped
		close(done)
	}
	return done
}

type clusterTarget struct {
	endpoint uint8
	cluster  uint16
}

func (d *hostDevice) configure(rules []driver.ReportingRule) error {
	dev, err := d.coord.store.GetDevice(d.ieee)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	short := dev.ShortAddress

	var order []clusterTarget
	records := make(map[clusterTarget][]zcl.ReportingRecord)
	var errs []error
	for _, r := range rules {
		if !r.Key.Valid() {
			errs = append(errs, fmt.Errorf("%s: unknown report key", r))
			continue
		}
		rec, err := d.coord.reportingRecord(r.Key.Cluster(), r.Key.Attribute(), r.MinInterval, r.MaxInterval, r.MinChange)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r, err))
			continue
		}
		t := clusterTarget{r.Endpoint, r.Key.Cluster()}
		if _, ok := records[t]; !ok {
			order = append(order, t)
		}
		records[t] = append(records[t], rec)
	}

	for _, t := range order {
		if err := d.configureCluster(short, t, records[t]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *hostDevice) configureCluster(short uint16, t clusterTarget, records []zcl.ReportingRecord) error {
	c := d.coord
	ctx, cancel := context.WithTimeout(c.ctx, c.config.RequestTimeout)
	defer cancel()
	if err := c.bindToCoordinator(ctx, short, d.ieeeAddr, t.endpoint, t.cluster); err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(c.ctx, c.config.RequestTimeout)
	defer cancel()
	if err := c.ncp.ConfigureReporting(ctx, ncpConfigureRequest(short, t, records)); err != nil {
		return err
	}
	d.logger.Info("configured reporting", "ep", t.endpoint, "cluster", c.clusterName(t.cluster), "attrs", len(records))
	return nil
}

// dispatch hands a decoded report to the subscription for its endpoint and
// attribute. It reports whether a subscription consumed it.
func (d *hostDevice) dispatch(endpoint uint8, clusterID, attrID uint16, value interface{}) bool {
	key, ok := driver.LookupReportKey(clusterID, attrID)
	if !ok {
		return false
	}
	d.mu.RLock()
	fn := d.subs[subscriptionKey{endpoint, key}]
	d.mu.RUnlock()
	if fn == nil {
		return false
	}
	raw, ok := zcl.ToInt64(value)
	if !ok {
		d.logger.Warn("non-numeric report", "key", key, "value", value)
		return false
	}
	fn(raw)
	return true
}

func (d *hostDevice) clearSubscriptions() {
	d.mu.Lock()
	clear(d.subs)
	d.mu.Unlock()
}
