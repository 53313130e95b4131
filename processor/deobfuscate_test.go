package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/jsonrs"

	"github.com/stacktrail/stacktrail/profile"
	"github.com/stacktrail/stacktrail/reporting"
	"github.com/stacktrail/stacktrail/tenant"
)

const testMapping = `com.example.app.MainActivity -> a.a:
    1:1:void onCreate(android.os.Bundle):10:10 -> a
    2:4:int computeTotal(int,int):20:22 -> b
    5:5:int com.example.app.util.Adder.add(int,int):7:7 -> b
    5:5:int computeTotal(int,int):23 -> b
com.example.app.util.Adder -> a.b:
`

const testBuildID = "6a9f6f3b-95d9-4bd4-bbbb-6f1a0e2876a2"

func androidProfile() *profile.Profile {
	return &profile.Profile{
		OrganizationID: 1,
		ProjectID:      2,
		Sampled:        true,
		Platform:       profile.PlatformAndroid,
		BuildID:        testBuildID,
		Inner: &profile.Body{
			Methods: []profile.Method{
				{ClassName: "a.a", Name: "a", Signature: "(Landroid/os/Bundle;)V", SourceLine: intPtr(1)},
				{ClassName: "a.a", Name: "b", Signature: "(II)I", SourceLine: intPtr(5)},
				{ClassName: "a.z", Name: "x", SourceLine: intPtr(3)},
				{ClassName: "a.b", Name: "zz", SourceLine: intPtr(9)},
			},
		},
	}
}

func TestDeobfuscateLocally(t *testing.T) {
	dif := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testMapping))
	}))
	t.Cleanup(dif.Close)

	conf := config.New()
	conf.Set("DebugFiles.url", dif.URL)
	conf.Set("DebugFiles.cacheDir", t.TempDir())
	rep := reporting.NewMemoryReporter()
	h := newTestHandle(t, conf, rep)

	p := androidProfile()
	require.NoError(t, h.deobfuscateProfile(context.Background(), p, tenant.Project{ID: 2}))
	require.True(t, p.Deobfuscated)
	require.Empty(t, rep.Records())

	methods := p.Inner.Methods

	onCreate := methods[0]
	require.Equal(t, "com.example.app.MainActivity", onCreate.ClassName)
	require.Equal(t, "onCreate", onCreate.Name)
	require.Equal(t, "(android.os.Bundle)", onCreate.Signature)
	require.Equal(t, 10, *onCreate.SourceLine)
	require.Equal(t, profile.DeobfuscationStatusDeobfuscated, onCreate.Data.DeobfuscationStatus)
	require.Empty(t, onCreate.InlineFrames)

	inlined := methods[1]
	require.Equal(t, "computeTotal", inlined.Name)
	require.Equal(t, 23, *inlined.SourceLine)
	require.Len(t, inlined.InlineFrames, 2)
	require.Equal(t, "add", inlined.InlineFrames[0].Name)
	require.Equal(t, "com.example.app.util.Adder", inlined.InlineFrames[0].ClassName)
	require.Equal(t, 7, inlined.InlineFrames[0].SourceLine)
	require.Equal(t, inlined.Signature, inlined.InlineFrames[0].Signature)
	require.Equal(t, "computeTotal", inlined.InlineFrames[1].Name)

	require.Equal(t, profile.DeobfuscationStatusMissing, methods[2].Data.DeobfuscationStatus)
	require.Equal(t, "a.z", methods[2].ClassName)

	require.Equal(t, profile.DeobfuscationStatusPartial, methods[3].Data.DeobfuscationStatus)
	require.Equal(t, "com.example.app.util.Adder", methods[3].ClassName)
}

func TestDeobfuscateWithoutBuildID(t *testing.T) {
	conf := config.New()
	rep := reporting.NewMemoryReporter()
	h := newTestHandle(t, conf, rep)

	p := androidProfile()
	p.BuildID = ""
	require.NoError(t, h.deobfuscateProfile(context.Background(), p, tenant.Project{ID: 2}))
	require.True(t, p.Deobfuscated)

	// signatures become readable, names stay obfuscated
	require.Equal(t, "(android.os.Bundle)", p.Inner.Methods[0].Signature)
	require.Equal(t, "a", p.Inner.Methods[0].Name)
	require.Equal(t, "(int, int): int", p.Inner.Methods[1].Signature)
}

func TestDeobfuscateMissingMapping(t *testing.T) {
	dif := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(dif.Close)

	conf := config.New()
	conf.Set("DebugFiles.url", dif.URL)
	conf.Set("DebugFiles.cacheDir", t.TempDir())
	rep := reporting.NewMemoryReporter()
	h := newTestHandle(t, conf, rep)

	p := androidProfile()
	require.NoError(t, h.deobfuscateProfile(context.Background(), p, tenant.Project{ID: 2}))
	require.True(t, p.Deobfuscated)
	require.Equal(t, "a", p.Inner.Methods[0].Name)
	require.Empty(t, rep.Records())
}

func TestDeobfuscateSkips(t *testing.T) {
	conf := config.New()
	h := newTestHandle(t, conf, reporting.NewMemoryReporter())

	t.Run("wrong platform", func(t *testing.T) {
		p := cocoaProfile()
		require.NoError(t, h.deobfuscateProfile(context.Background(), p, tenant.Project{ID: 2}))
		require.False(t, p.Deobfuscated)
	})

	t.Run("already deobfuscated", func(t *testing.T) {
		p := androidProfile()
		p.Deobfuscated = true
		p.Inner.Methods[0].Name = "untouched"
		require.NoError(t, h.deobfuscateProfile(context.Background(), p, tenant.Project{ID: 2}))
		require.Equal(t, "untouched", p.Inner.Methods[0].Name)
	})

	t.Run("missing body", func(t *testing.T) {
		p := androidProfile()
		p.Inner = nil
		require.NoError(t, h.deobfuscateProfile(context.Background(), p, tenant.Project{ID: 2}))
		require.False(t, p.Deobfuscated)
	})
}

func TestDeobfuscateRemotely(t *testing.T) {
	t.Run("merges returned frames", func(t *testing.T) {
		var gotModules []profile.DebugImage
		sym := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Modules     []profile.DebugImage `json:"modules"`
				Stacktraces []struct {
					Frames []map[string]any `json:"frames"`
				} `json:"stacktraces"`
			}
			require.NoError(t, jsonrs.NewDecoder(r.Body).Decode(&req))
			gotModules = req.Modules

			_ = jsonrs.NewEncoder(w).Encode(map[string]any{
				"status": "completed",
				"stacktraces": []map[string]any{{
					"frames": []map[string]any{
						{"function": "onCreate", "module": "com.example.app.MainActivity", "filename": "MainActivity.java", "lineno": 10, "index": 0},
						{"function": "add", "module": "com.example.app.util.Adder", "lineno": 7, "index": 1},
						{"function": "computeTotal", "module": "com.example.app.MainActivity", "lineno": 23, "index": 1},
					},
				}},
			})
		}))
		t.Cleanup(sym.Close)

		conf := config.New()
		conf.Set("Symbolicator.url", sym.URL)
		rep := reporting.NewMemoryReporter()
		h := newTestHandle(t, conf, rep)

		p := androidProfile()
		require.NoError(t, h.deobfuscateProfile(context.Background(), p, tenant.Project{ID: 2, RemoteDeobfuscation: true}))
		require.True(t, p.Deobfuscated)

		require.Len(t, gotModules, 1)
		require.Equal(t, "proguard", gotModules[0].Type())
		require.Equal(t, testBuildID, gotModules[0]["uuid"])

		methods := p.Inner.Methods
		require.Equal(t, "onCreate", methods[0].Name)
		require.Equal(t, "MainActivity.java", methods[0].SourceFile)
		require.Equal(t, profile.DeobfuscationStatusDeobfuscated, methods[0].Data.DeobfuscationStatus)

		require.Equal(t, "computeTotal", methods[1].Name)
		require.Len(t, methods[1].InlineFrames, 2)
		require.Equal(t, "add", methods[1].InlineFrames[0].Name)
	})

	t.Run("degrades on service errors", func(t *testing.T) {
		sym := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(sym.Close)

		conf := config.New()
		conf.Set("Symbolicator.url", sym.URL)
		conf.Set("Symbolicator.maxRetry", 0)
		rep := reporting.NewMemoryReporter()
		h := newTestHandle(t, conf, rep)

		p := androidProfile()
		require.NoError(t, h.deobfuscateProfile(context.Background(), p, tenant.Project{ID: 2, RemoteDeobfuscation: true}))
		require.True(t, p.Deobfuscated)
		require.Equal(t, "a", p.Inner.Methods[0].Name)
		require.Empty(t, rep.Records())
	})
}
