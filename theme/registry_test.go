package theme

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"themeplane/assets"
	"themeplane/extract"
	"themeplane/fetch"
	"themeplane/figma"
	"themeplane/metrics"
	"themeplane/model"
	"themeplane/storage"
)

type fakeSource struct {
	docs map[string]*figma.Document
}

func (f fakeSource) Fetch(_ context.Context, url string) (*figma.Document, error) {
	doc, ok := f.docs[url]
	if !ok {
		return nil, &model.UpstreamError{SourceStatus: http.StatusNotFound, Message: "Not found"}
	}
	return doc, nil
}

// designDoc builds a document whose top-level components are named keys.
func designDoc(keys ...string) *figma.Document {
	root := &model.Node{Type: "DOCUMENT"}
	for _, key := range keys {
		root.Children = append(root.Children, &model.Node{
			Name: key,
			Type: model.NodeTypeComponent,
			Fills: []model.Paint{{
				Type:  "SOLID",
				Color: &model.Color{R: 1, G: 0, B: 0, A: 1},
			}},
		})
	}
	return &figma.Document{Name: "Design", Root: root}
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	def, err := LoadDefault("")
	require.NoError(t, err)
	if opts.Now == nil {
		var mu sync.Mutex
		clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		opts.Now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		}
	}
	r, err := NewRegistry(def, opts)
	require.NoError(t, err)
	return r
}

func themeIDs(themes []model.Theme) []string {
	ids := make([]string, len(themes))
	for i, th := range themes {
		ids[i] = th.ID
	}
	return ids
}

func createTheme(t *testing.T, r *Registry, name string) model.Theme {
	t.Helper()
	th, err := r.Create(context.Background(), CreateRequest{Name: name, Components: fullComponents()})
	require.NoError(t, err)
	return th
}

func TestNewRegistryRequiresValidDefault(t *testing.T) {
	_, err := NewRegistry(model.Theme{ID: "other"}, Options{})
	require.Error(t, err)

	_, err = NewRegistry(model.Theme{ID: model.DefaultThemeID, Name: "x", Components: map[string]model.Component{}}, Options{})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRegistryStartsOnDefault(t *testing.T) {
	r := newTestRegistry(t, Options{})
	cur, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, model.DefaultThemeID, cur.ID)
	assert.True(t, cur.IsActive)
	assert.Equal(t, []string{model.DefaultThemeID}, themeIDs(r.List()))
	assert.Empty(t, r.History())
}

func TestCreateWithExplicitComponents(t *testing.T) {
	r := newTestRegistry(t, Options{})
	th, err := r.Create(context.Background(), CreateRequest{
		Name:        "Ocean",
		Description: "blue",
		Components:  fullComponents(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, th.ID)
	assert.False(t, th.IsActive)
	assert.False(t, th.CreatedAt.IsZero())
	assert.Equal(t, th.CreatedAt, th.UpdatedAt)

	got, err := r.Get(th.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ocean", got.Name)
	assert.Equal(t, []string{model.DefaultThemeID, th.ID}, themeIDs(r.List()))

	history := r.History()
	require.Len(t, history, 1)
	assert.Equal(t, model.ActionCreate, history[0].Action)
	assert.Equal(t, th.ID, history[0].ThemeID)
}

func TestCreateFromSource(t *testing.T) {
	src := fakeSource{docs: map[string]*figma.Document{
		"https://www.figma.com/file/abc/x": designDoc(RequiredComponents...),
	}}
	r := newTestRegistry(t, Options{Source: src})

	th, err := r.Create(context.Background(), CreateRequest{
		Name:       "Extracted",
		SourceURL:  "https://www.figma.com/file/abc/x",
		Components: map[string]model.Component{"button": {"radius": 6.0}},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://www.figma.com/file/abc/x", th.SourceURL)
	fill := th.Components["app"]["fill"].(map[string]any)
	assert.Equal(t, "#ff0000", fill["color"])
	assert.Equal(t, 6.0, th.Components["button"]["radius"])
	assert.Contains(t, th.Components["button"], "fill", "explicit properties merge over extracted ones")
}

func TestCreateMissingComponentStoresNothing(t *testing.T) {
	var keys []string
	for _, key := range RequiredComponents {
		if key != "toast" {
			keys = append(keys, key)
		}
	}
	src := fakeSource{docs: map[string]*figma.Document{"https://www.figma.com/file/x/T1": designDoc(keys...)}}
	r := newTestRegistry(t, Options{Source: src})
	existing := createTheme(t, r, "Existing")

	_, err := r.Create(context.Background(), CreateRequest{Name: "T1", SourceURL: "https://www.figma.com/file/x/T1"})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"components.toast"}, verr.MissingFields)
	assert.Equal(t, []string{model.DefaultThemeID, existing.ID}, themeIDs(r.List()))
	assert.Len(t, r.History(), 1)
}

func TestCreateUpstreamFailure(t *testing.T) {
	r := newTestRegistry(t, Options{Source: fakeSource{}})
	_, err := r.Create(context.Background(), CreateRequest{Name: "T", SourceURL: "https://www.figma.com/file/missing/x"})
	var uerr *model.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusNotFound, uerr.SourceStatus)
	assert.Len(t, r.List(), 1)

	r = newTestRegistry(t, Options{})
	_, err = r.Create(context.Background(), CreateRequest{Name: "T", SourceURL: "https://www.figma.com/file/a/x"})
	require.ErrorAs(t, err, &uerr)
}

func TestCreateRejectsDuplicateComponentsWhenConfigured(t *testing.T) {
	doc := designDoc(append(RequiredComponents, "button")...)
	src := fakeSource{docs: map[string]*figma.Document{"u": doc}}

	r := newTestRegistry(t, Options{Source: src, Walker: extract.Walker{Policy: extract.RejectDuplicates}})
	_, err := r.Create(context.Background(), CreateRequest{Name: "T", SourceURL: "u"})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	var dup *extract.DuplicateComponentError
	require.ErrorAs(t, err, &dup)

	r = newTestRegistry(t, Options{Source: src})
	_, err = r.Create(context.Background(), CreateRequest{Name: "T", SourceURL: "u"})
	require.NoError(t, err)
}

func TestApplyAndReset(t *testing.T) {
	r := newTestRegistry(t, Options{})
	ctx := context.Background()
	t1 := createTheme(t, r, "T1")

	_, err := r.Apply(ctx, "nope")
	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ResourceID)

	applied, err := r.Apply(ctx, t1.ID)
	require.NoError(t, err)
	assert.True(t, applied.IsActive)
	cur, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, t1.ID, cur.ID)
	def, err := r.Get(model.DefaultThemeID)
	require.NoError(t, err)
	assert.False(t, def.IsActive)

	_, err = r.Reset(ctx)
	require.NoError(t, err)
	cur, err = r.Current()
	require.NoError(t, err)
	assert.Equal(t, model.DefaultThemeID, cur.ID)
	prev, err := r.Get(t1.ID)
	require.NoError(t, err)
	assert.False(t, prev.IsActive)

	_, err = r.Reset(ctx)
	require.NoError(t, err)
	cur, err = r.Current()
	require.NoError(t, err)
	assert.Equal(t, model.DefaultThemeID, cur.ID)

	actions := []model.HistoryAction{}
	for _, h := range r.History() {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []model.HistoryAction{model.ActionCreate, model.ActionApply, model.ActionReset, model.ActionReset}, actions)
}

func TestAtMostOneActive(t *testing.T) {
	r := newTestRegistry(t, Options{})
	ctx := context.Background()
	ids := []string{model.DefaultThemeID}
	for i := 0; i < 3; i++ {
		ids = append(ids, createTheme(t, r, fmt.Sprintf("T%d", i)).ID)
	}
	for _, id := range append(ids, ids[2], model.DefaultThemeID, ids[1]) {
		_, err := r.Apply(ctx, id)
		require.NoError(t, err)

		active := 0
		for _, th := range r.List() {
			if th.IsActive {
				active++
				assert.Equal(t, id, th.ID)
			}
		}
		assert.Equal(t, 1, active)
	}
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t, Options{})
	ctx := context.Background()
	t1 := createTheme(t, r, "T1")
	t2 := createTheme(t, r, "T2")

	var immutable *model.ImmutableResourceError
	require.ErrorAs(t, r.Delete(ctx, model.DefaultThemeID), &immutable)

	_, err := r.Apply(ctx, t1.ID)
	require.NoError(t, err)
	require.ErrorAs(t, r.Delete(ctx, t1.ID), &immutable)
	assert.Equal(t, t1.ID, immutable.ResourceID)

	var nf *model.NotFoundError
	require.ErrorAs(t, r.Delete(ctx, "nope"), &nf)

	require.NoError(t, r.Delete(ctx, t2.ID))
	_, err = r.Get(t2.ID)
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, []string{model.DefaultThemeID, t1.ID}, themeIDs(r.List()))
}

func TestUpdate(t *testing.T) {
	r := newTestRegistry(t, Options{})
	ctx := context.Background()
	t1 := createTheme(t, r, "T1")

	var immutable *model.ImmutableResourceError
	_, err := r.Update(ctx, model.DefaultThemeID, model.Patch{Name: strPtr("x")})
	require.ErrorAs(t, err, &immutable)

	var nf *model.NotFoundError
	_, err = r.Update(ctx, "nope", model.Patch{Name: strPtr("x")})
	require.ErrorAs(t, err, &nf)

	updated, err := r.Update(ctx, t1.ID, model.Patch{
		Name:       strPtr("Renamed"),
		Components: map[string]model.Component{"button": {"radius": 12.0}},
		Extra:      map[string]any{"tags": []any{"x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, t1.ID, updated.ID)
	assert.Equal(t, t1.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(t1.UpdatedAt))
	assert.Equal(t, 12.0, updated.Components["button"]["radius"])
	assert.Contains(t, updated.Components["button"], "fill")
	assert.Equal(t, []any{"x"}, updated.Extra["tags"])
	assert.Equal(t, model.ActionUpdate, r.History()[1].Action)
}

func TestUpdateIsTransactional(t *testing.T) {
	var keys []string
	for _, key := range RequiredComponents {
		if key != "modal" {
			keys = append(keys, key)
		}
	}
	src := fakeSource{docs: map[string]*figma.Document{"broken": designDoc(keys...)}}
	r := newTestRegistry(t, Options{Source: src})
	ctx := context.Background()
	t1 := createTheme(t, r, "T1")

	_, err := r.Update(ctx, t1.ID, model.Patch{Name: strPtr("New"), SourceURL: strPtr("broken")})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = r.Update(ctx, t1.ID, model.Patch{Name: strPtr("New"), SourceURL: strPtr("unreachable")})
	var uerr *model.UpstreamError
	require.ErrorAs(t, err, &uerr)

	got, err := r.Get(t1.ID)
	require.NoError(t, err)
	assert.Equal(t, t1, got)
	assert.Len(t, r.History(), 1)
}

func TestUpdateKeepsActiveFlag(t *testing.T) {
	r := newTestRegistry(t, Options{})
	ctx := context.Background()
	t1 := createTheme(t, r, "T1")
	_, err := r.Apply(ctx, t1.ID)
	require.NoError(t, err)

	updated, err := r.Update(ctx, t1.ID, model.Patch{Description: strPtr("now active")})
	require.NoError(t, err)
	assert.True(t, updated.IsActive)
}

func TestReadsReturnCopies(t *testing.T) {
	r := newTestRegistry(t, Options{})
	cur, err := r.Current()
	require.NoError(t, err)
	cur.Components["app"]["fill"] = "mutated"
	cur.Name = "mutated"

	again, err := r.Current()
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.Name)
	assert.NotEqual(t, "mutated", again.Components["app"]["fill"])
}

func TestCurrentSelfHeals(t *testing.T) {
	r := newTestRegistry(t, Options{})
	t1 := createTheme(t, r, "T1")
	_, err := r.Apply(context.Background(), t1.ID)
	require.NoError(t, err)

	r.mu.Lock()
	delete(r.themes, t1.ID)
	r.currentID = ""
	r.mu.Unlock()

	cur, err := r.Current()
	require.NoError(t, err)
	assert.Equal(t, model.DefaultThemeID, cur.ID)
	assert.True(t, cur.IsActive)
	r.mu.RLock()
	assert.Equal(t, model.DefaultThemeID, r.currentID)
	r.mu.RUnlock()
}

func TestHistoryIsBounded(t *testing.T) {
	r := newTestRegistry(t, Options{HistoryLimit: 3})
	ctx := context.Background()
	t1 := createTheme(t, r, "T1")
	for i := 0; i < 4; i++ {
		_, err := r.Apply(ctx, t1.ID)
		require.NoError(t, err)
	}
	_, err := r.Reset(ctx)
	require.NoError(t, err)

	history := r.History()
	require.Len(t, history, 3)
	assert.Equal(t, model.ActionApply, history[0].Action)
	assert.Equal(t, model.ActionReset, history[2].Action)
	assert.True(t, history[1].Timestamp.Before(history[2].Timestamp))
}

func TestOnChangeEvents(t *testing.T) {
	r := newTestRegistry(t, Options{})
	var events []Event
	r.SetOnChange(func(e Event) { events = append(events, e) })

	ctx := context.Background()
	t1 := createTheme(t, r, "T1")
	_, err := r.Apply(ctx, t1.ID)
	require.NoError(t, err)
	_, err = r.Apply(ctx, "nope")
	require.Error(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, model.ActionCreate, events[0].Action)
	assert.Equal(t, model.DefaultThemeID, events[0].CurrentID)
	assert.Equal(t, model.ActionApply, events[1].Action)
	assert.Equal(t, t1.ID, events[1].CurrentID)
}

func TestConcurrentReadersSeeConsistentState(t *testing.T) {
	r := newTestRegistry(t, Options{})
	ctx := context.Background()
	t1 := createTheme(t, r, "T1")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				var err error
				if (i+j)%2 == 0 {
					_, err = r.Apply(ctx, t1.ID)
				} else {
					_, err = r.Reset(ctx)
				}
				assert.NoError(t, err)
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				active := 0
				for _, th := range r.List() {
					if th.IsActive {
						active++
					}
				}
				assert.Equal(t, 1, active)
				_, err := r.Current()
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestRegistryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newTestRegistry(t, Options{Metrics: metrics.New(reg, "")})
	createTheme(t, r, "T1")
	_, _ = r.Apply(context.Background(), "nope")

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "themeplane_registry_operations_total")
	assert.Contains(t, names, "themeplane_themes")
}

// Asset integration.

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

type assetEnv struct {
	registry *Registry
	store    *storage.Local
	server   *httptest.Server
}

func newAssetEnv(t *testing.T, src figma.Source) *assetEnv {
	t.Helper()
	data := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	store := storage.NewLocal(t.TempDir(), "/assets")
	pipeline := assets.New(fetch.New(fetch.Options{}), store, assets.NewMemoryLedger(), assets.Options{Workers: 2})
	return &assetEnv{
		registry: newTestRegistry(t, Options{Source: src, Assets: pipeline}),
		store:    store,
		server:   srv,
	}
}

func (e *assetEnv) stored(t *testing.T) []string {
	t.Helper()
	refs, err := e.store.List(context.Background())
	require.NoError(t, err)
	return refs
}

func (e *assetEnv) componentsWithImage(path string) map[string]model.Component {
	components := fullComponents()
	components["app"][model.PropBackgroundImage] = e.server.URL + path
	return components
}

func TestCreateMaterializesAssets(t *testing.T) {
	env := newAssetEnv(t, nil)
	th, err := env.registry.Create(context.Background(), CreateRequest{Name: "T", Components: env.componentsWithImage("/bg.png")})
	require.NoError(t, err)

	ref := th.Components["app"][model.PropBackgroundImage].(string)
	assert.Regexp(t, `^/assets/.+\.png$`, ref)
	assert.Equal(t, []string{ref}, env.stored(t))
}

func TestCreateAssetFailureStoresNothing(t *testing.T) {
	env := newAssetEnv(t, nil)
	components := env.componentsWithImage("/bg.png")
	components["card"][model.PropImages] = map[string]any{"icon": env.server.URL + "/broken.png"}

	_, err := env.registry.Create(context.Background(), CreateRequest{Name: "T", Components: components})
	var aerr *model.AssetProcessingError
	require.ErrorAs(t, err, &aerr)
	assert.Len(t, env.registry.List(), 1)
	assert.Empty(t, env.stored(t))
}

func TestUpdateReleasesReplacedAssets(t *testing.T) {
	env := newAssetEnv(t, nil)
	ctx := context.Background()
	th, err := env.registry.Create(ctx, CreateRequest{Name: "T", Components: env.componentsWithImage("/one.png")})
	require.NoError(t, err)
	first := th.Components["app"][model.PropBackgroundImage].(string)

	renamed, err := env.registry.Update(ctx, th.ID, model.Patch{Name: strPtr("Renamed")})
	require.NoError(t, err)
	assert.Equal(t, first, renamed.Components["app"][model.PropBackgroundImage])
	assert.Equal(t, []string{first}, env.stored(t))

	updated, err := env.registry.Update(ctx, th.ID, model.Patch{Components: map[string]model.Component{
		"app": {model.PropBackgroundImage: env.server.URL + "/two.png"},
	}})
	require.NoError(t, err)
	second := updated.Components["app"][model.PropBackgroundImage].(string)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{second}, env.stored(t))

	_, err = env.registry.Update(ctx, th.ID, model.Patch{Components: map[string]model.Component{
		"app": {model.PropBackgroundImage: env.server.URL + "/broken.png"},
	}})
	require.Error(t, err)
	assert.Equal(t, []string{second}, env.stored(t), "failed update leaves assets alone")
}

func TestDeleteRemovesAssets(t *testing.T) {
	env := newAssetEnv(t, nil)
	ctx := context.Background()
	th, err := env.registry.Create(ctx, CreateRequest{Name: "T", Components: env.componentsWithImage("/bg.png")})
	require.NoError(t, err)
	require.Len(t, env.stored(t), 1)

	require.NoError(t, env.registry.Delete(ctx, th.ID))
	assert.Empty(t, env.stored(t))
}

func TestCreateCancelledRollsBack(t *testing.T) {
	env := newAssetEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.registry.Create(ctx, CreateRequest{Name: "T", Components: env.componentsWithImage("/bg.png")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, env.registry.List(), 1)
	assert.Empty(t, env.stored(t))
}

func TestSweepOrphans(t *testing.T) {
	env := newAssetEnv(t, nil)
	ctx := context.Background()
	th, err := env.registry.Create(ctx, CreateRequest{Name: "T", Components: env.componentsWithImage("/bg.png")})
	require.NoError(t, err)
	kept := th.Components["app"][model.PropBackgroundImage].(string)

	_, err = env.store.Put(ctx, "stray.png", pngBytes(t), "image/png")
	require.NoError(t, err)

	removed, err := env.registry.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{kept}, env.stored(t))
}

func TestRegistryRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	r := newTestRegistry(t, Options{TracerProvider: tp})

	created := createTheme(t, r, "Traced")
	components := fullComponents()
	delete(components, "toast")
	_, err := r.Create(context.Background(), CreateRequest{Name: "Broken", Components: components})
	require.Error(t, err)

	ended := recorder.Ended()
	require.Len(t, ended, 2)

	ok := ended[0]
	assert.Equal(t, "theme.create", ok.Name())
	assert.Equal(t, codes.Unset, ok.Status().Code)
	var themeID string
	for _, kv := range ok.Attributes() {
		if kv.Key == "theme.id" {
			themeID = kv.Value.AsString()
		}
	}
	assert.Equal(t, created.ID, themeID)

	failed := ended[1]
	assert.Equal(t, "theme.create", failed.Name())
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, model.CodeValidation, failed.Status().Description)
}
