package boot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/netlistener/actions"
	"github.com/c360/netlistener/config"
	"github.com/c360/netlistener/errors"
	"github.com/c360/netlistener/event"
	"github.com/c360/netlistener/profile"
	"github.com/c360/netlistener/provider"
)

// Extras stored on state change records.
const (
	ForeignLocationKey = "foreignLocation"
	BootImageIDKey     = "bootImageId"
)

const (
	DefaultTopic            = "ucs_boot_event"
	DefaultImagesPath       = "/apis/ims/images"
	DefaultParametersPath   = "/apis/bss/boot/v1/bootparameters"
	DefaultRefreshInterval  = 2 * time.Hour
	fallbackBaseURL         = "http://127.0.0.1:65535"
	nodeFailedEvent         = "RasMntrForeignNodeFailed"
	nodeFailedInstanceData  = "No reason given by foreign software"
	maxBootInfoResponseSize = 16 << 20
	failedRefreshBackoff    = time.Minute
)

// Actor applies node state changes and keeps the boot image table current.
// Boot image information is refreshed from the foreign REST API in the
// background whenever an unknown image id shows up or the refresh interval
// has passed. At most one refresh runs at a time. A refresh is cancelled
// when the ctx of the triggering ActOnData call is done or when the Actor is
// closed, whichever comes first.
type Actor struct {
	name   string
	logger *slog.Logger
	client *http.Client
	now    func() time.Time

	once           sync.Once
	publish        bool
	informWLM      bool
	topic          string
	baseURL        string
	imagesPath     string
	parametersPath string
	interval       time.Duration

	refreshing  atomic.Bool
	nextRefresh atomic.Int64

	lifeMu  sync.Mutex
	closed  bool
	stopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.RWMutex
	known     map[string]struct{}
	hostImage map[string]string
}

// NewActor creates an actor reading providerConfigurations[name].
func NewActor(name string, deps provider.Dependencies) *Actor {
	stopCtx, stop := context.WithCancel(context.Background())
	return &Actor{
		name:      name,
		logger:    deps.LoggerFor("boot-actor"),
		client:    deps.Client(),
		now:       deps.Clock(),
		stopCtx:   stopCtx,
		stop:      stop,
		known:     make(map[string]struct{}),
		hostImage: make(map[string]string),
	}
}

func (a *Actor) configure(doc *profile.Document) {
	a.once.Do(func() {
		cfg := provider.Configuration(doc, a.name)
		a.publish = config.GetBool(cfg, "publish", false)
		a.informWLM = config.GetBool(cfg, "informWorkLoadManager", config.GetBool(cfg, "doActions", false))
		a.topic = config.GetString(cfg, "publishTopic", DefaultTopic)
		a.imagesPath = config.GetString(cfg, "bootImageInfoUrl", DefaultImagesPath)
		a.parametersPath = config.GetString(cfg, "bootParametersInfoUrl", DefaultParametersPath)
		a.interval = config.GetSeconds(cfg, "refreshIntervalSeconds", DefaultRefreshInterval)

		a.baseURL = config.GetString(cfg, "baseUrl", "")
		if a.baseURL == "" && doc != nil {
			base, err := doc.FirstStreamBaseURL(config.GetBool(cfg, "useSSL", false))
			if err != nil {
				a.logger.Warn("No base URL for boot image information", "error", err)
			}
			a.baseURL = base
		}
		if a.baseURL == "" {
			a.baseURL = fallbackBaseURL
		}
		a.baseURL = strings.TrimRight(a.baseURL, "/")
	})
}

// ActOnData changes the node state, maintains the node's boot image and
// optionally publishes the change.
func (a *Actor) ActOnData(ctx context.Context, rec *event.Record, doc *profile.Document, sa actions.SystemActions) {
	a.configure(doc)

	imageID := rec.Extra(BootImageIDKey)
	if (imageID != "" && !a.isKnown(imageID)) || a.now().UnixNano() >= a.nextRefresh.Load() {
		a.refreshInBackground(ctx, sa)
	}

	if rec.State != "" {
		sa.ChangeNodeStateTo(ctx, rec.State, rec.Location, rec.Timestamp, a.informWLM)
	}

	switch rec.State {
	case event.NodeOnline:
		if imageID == "" {
			imageID = a.imageForHost(rec.Extra(ForeignLocationKey))
		}
		if imageID == "" {
			a.logger.Error("Failed to update node boot image id", "location", rec.Location)
			sa.LogFailedToUpdateNodeBootImageID(ctx, rec.Location,
				fmt.Sprintf("ForeignLocation='%s'; UcsLocation='%s'; BootMessage='%s'",
					rec.Extra(ForeignLocationKey), rec.Location, rec.State))
		} else {
			sa.ChangeNodeBootImageID(ctx, rec.Location, imageID)
		}
	case event.NodeOffline:
		sa.StoreRasEvent(ctx, nodeFailedEvent, nodeFailedInstanceData, rec.Location, rec.Timestamp)
	}

	if a.publish {
		sa.PublishBootEvent(ctx, a.topic, rec.State, rec.Location, rec.Timestamp)
	}
}

func (a *Actor) isKnown(id string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.known[id]
	return ok
}

func (a *Actor) imageForHost(host string) string {
	if host == "" {
		return ""
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hostImage[host]
}

func (a *Actor) refreshInBackground(ctx context.Context, sa actions.SystemActions) {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.closed || !a.refreshing.CompareAndSwap(false, true) {
		return
	}

	refreshCtx, cancel := context.WithCancel(a.stopCtx)
	stopAfter := context.AfterFunc(ctx, cancel)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.refreshing.Store(false)
		defer stopAfter()
		defer cancel()
		if err := a.refresh(refreshCtx, sa); err != nil {
			if refreshCtx.Err() != nil {
				a.logger.Debug("Boot image refresh cancelled", "error", err)
				return
			}
			a.logger.Warn("Boot image refresh failed", "error", err)
			a.nextRefresh.Store(a.now().Add(failedRefreshBackoff).UnixNano())
		}
	}()
}

// Wait blocks until a background refresh, if any, has finished.
func (a *Actor) Wait() { a.wg.Wait() }

// Close cancels a running background refresh, waits for it and prevents new
// ones. No system action is called by the Actor's background work after
// Close returns.
func (a *Actor) Close() error {
	a.lifeMu.Lock()
	a.closed = true
	a.lifeMu.Unlock()
	a.stop()
	a.wg.Wait()
	return nil
}

// Refresh synchronously reloads the boot image table.
func (a *Actor) Refresh(ctx context.Context, doc *profile.Document, sa actions.SystemActions) error {
	a.configure(doc)
	return a.refresh(ctx, sa)
}

func (a *Actor) refresh(ctx context.Context, sa actions.SystemActions) error {
	images, err := a.fetch(ctx, sa, a.imagesPath)
	if err != nil {
		return err
	}

	names := make(map[string]string, len(images))
	imageRows := make([]map[string]string, 0, len(images))
	for _, img := range images {
		id := config.GetString(img, "id", "")
		names[id] = config.GetString(img, "name", "")
		imageRows = append(imageRows, map[string]string{
			"id":                 id,
			"description":        names[id],
			"bootimagefile":      config.GetString(img, "kernel", ""),
			"bootstrapimagefile": config.GetString(img, "initrd", ""),
			"kernelargs":         config.GetString(img, "params", ""),
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sa.UpsertBootImages(ctx, imageRows)

	params, err := a.fetch(ctx, sa, a.parametersPath)
	if err != nil {
		a.remember(imageRows, nil)
		return err
	}

	hosts := make(map[string]string)
	paramRows := make([]map[string]string, 0, len(params))
	for _, p := range params {
		hostList := config.GetStringSlice(p, "hosts", nil)
		if hostList == nil {
			continue
		}
		kernel := config.GetString(p, "kernel", "")
		id := ImageIDFromKernel(kernel)
		row := map[string]string{
			"id":                 id,
			"description":        names[id],
			"bootimagefile":      kernel,
			"bootstrapimagefile": config.GetString(p, "initrd", ""),
			"kernelargs":         config.GetString(p, "params", ""),
		}
		if row["kernelargs"] != "" {
			row["state"] = "A"
		}
		paramRows = append(paramRows, row)
		for _, host := range hostList {
			hosts[host] = id
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sa.UpsertBootImages(ctx, paramRows)

	a.remember(append(imageRows, paramRows...), hosts)
	a.nextRefresh.Store(a.now().Add(a.interval).UnixNano())
	return nil
}

func (a *Actor) remember(rows []map[string]string, hosts map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, row := range rows {
		if id := row["id"]; id != "" {
			a.known[id] = struct{}{}
		}
	}
	for host, id := range hosts {
		a.hostImage[host] = id
	}
}

// fetch GETs a JSON array of objects. Failures are logged as a RAS event
// unless ctx was cancelled.
func (a *Actor) fetch(ctx context.Context, sa actions.SystemActions, path string) ([]map[string]any, error) {
	url := a.baseURL + path
	fail := func(instanceData string, err error) ([]map[string]any, error) {
		if ctx.Err() == nil {
			sa.LogFailedToUpdateBootImageInfo(ctx, instanceData)
		}
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail("Full URL="+url, errors.WrapInvalid(err, "BootActor", "fetch", "build request"))
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fail("Full URL="+url, errors.WrapTransient(err, "BootActor", "fetch", "send request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBootInfoResponseSize))
	if err != nil {
		return fail("Full URL="+url, errors.WrapTransient(err, "BootActor", "fetch", "read response"))
	}
	if resp.StatusCode != http.StatusOK {
		return fail("Full URL="+url, errors.WrapTransient(
			fmt.Errorf("%w: status %d", errors.ErrInvalidData, resp.StatusCode), "BootActor", "fetch", "check status"))
	}

	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return fail(fmt.Sprintf("Bad JSON returned: '%s'", body), errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "BootActor", "fetch", "decode response"))
	}
	return rows, nil
}

// ImageIDFromKernel extracts the image id from a kernel path such as
// s3://boot-images/<id>/kernel. It returns "" when the path has no
// boot-images segment.
func ImageIDFromKernel(kernel string) string {
	parts := strings.Split(kernel, "/")
	for i, part := range parts {
		if part == "boot-images" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
