package docindex

import (
	"strings"
	"testing"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIndexPath = "testdata/searchindex.js"

func loadTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := LoadFile(testIndexPath)
	require.NoError(t, err)
	return idx
}

func TestLoadFile_Documents(t *testing.T) {
	idx := loadTestIndex(t)

	docs := idx.Documents()
	require.Len(t, docs, 6)
	assert.Equal(t, Document{ID: 0, Name: "apidocs", Title: "API Documentation", Filename: "apidocs.rst"}, docs[0])
	assert.Equal(t, "Welcome to BLE Touch Detect SDK’s documentation!", docs[1].Title)
	assert.Equal(t, "run_the_demo", docs[3].Name)
	assert.Equal(t, 56, idx.EnvVersion()["sphinx"])
}

func TestLoadFile_Objects(t *testing.T) {
	idx := loadTestIndex(t)
	assert.Equal(t, 10, idx.Stats().Objects)

	methods := idx.Objects("ble_touch_sdk.BleTouchSdk.")
	paths := make([]string, 0, len(methods))
	for _, o := range methods {
		paths = append(paths, o.Path)
	}
	assert.Equal(t, []string{
		"ble_touch_sdk.BleTouchSdk.connect",
		"ble_touch_sdk.BleTouchSdk.disconnect",
		"ble_touch_sdk.BleTouchSdk.get_data",
		"ble_touch_sdk.BleTouchSdk.search_devices",
	}, paths)

	obj, err := idx.Object("ble_device.BleDevice.address")
	require.NoError(t, err)
	kind, ok := idx.Kind(obj.KindID)
	require.True(t, ok)
	assert.Equal(t, "property", kind.Role)
	assert.Equal(t, "Python property", kind.Label)
	assert.Equal(t, "ble_device.BleDevice.address", obj.ResolveAnchor(kind))

	mod, err := idx.Object("ble_device")
	require.NoError(t, err)
	modKind, _ := idx.Kind(mod.KindID)
	assert.Equal(t, "module-ble_device", mod.ResolveAnchor(modKind))
	assert.Equal(t, PriorityImportant, mod.Priority)

	_, err = idx.Object("ble_device.Missing")
	assert.ErrorIs(t, err, apperrors.ErrSymbolNotFound)
}

func TestLoadFile_Postings(t *testing.T) {
	idx := loadTestIndex(t)

	assert.Equal(t, []int{0, 1, 3}, idx.Postings("connect"))
	assert.Equal(t, []int{1}, idx.Postings("demo"))
	assert.Equal(t, []int{3}, idx.TitlePostings("demo"))
	assert.Equal(t, []int{2}, idx.Postings("It"))
	assert.Equal(t, []int{}, idx.Postings("389"))
	assert.Equal(t, []int{}, idx.Postings("nosuchterm"))

	_, ok := idx.Term("389")
	assert.True(t, ok, "an empty posting list is still an entry")

	assert.Equal(t, []string{"devic", "device_nam"}, idx.PrefixTerms("dev"))
	assert.Equal(t, []string{"librari"}, idx.PrefixTitleTerms("lib"))
	assert.Empty(t, idx.PrefixTerms("zzz"))
}

func TestLoad_MapFormObjects(t *testing.T) {
	src := `Search.setIndex({docnames:["index"],titles:["Home"],
		objects:{"ble_device":{"BleDevice":[0,0,1,"-"]}},
		objnames:{0:["py","class","Python class"]},objtypes:{0:"py:class"},
		terms:{devic:0},titleterms:{home:[0]},envversion:42});`
	idx, err := Load(strings.NewReader(src))
	require.NoError(t, err)

	obj, err := idx.Object("ble_device.BleDevice")
	require.NoError(t, err)
	kind, _ := idx.Kind(obj.KindID)
	assert.Equal(t, "class-ble_device.BleDevice", obj.ResolveAnchor(kind))
	assert.Equal(t, 42, idx.EnvVersion()["sphinx"])
	assert.Equal(t, []int{0}, idx.Postings("devic"))
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"not an object":    `Search.setIndex([1,2])`,
		"unterminated":     `Search.setIndex({docnames:["a"]`,
		"bad identifier":   `{docnames:[undefined],titles:["a"]}`,
		"title mismatch":   `{docnames:["a","b"],titles:["A"]}`,
		"doc out of range": `{docnames:["a"],titles:["A"],terms:{x:[3]}}`,
		"duplicate object": `{docnames:["a"],titles:["A"],objnames:{0:["py","function","f"]},objtypes:{0:"py:function"},
			objects:{"m":[[0,0,1,"","f"],[0,0,1,"","f"]]}}`,
		"unknown kind": `{docnames:["a"],titles:["A"],objects:{"":[[0,7,1,"","f"]]}}`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(src))
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
}

func TestLoad_SamePathDifferentKinds(t *testing.T) {
	src := `{docnames:["a"],titles:["A"],
		objnames:{0:["py","module","m"],1:["std","label","l"]},objtypes:{0:"py:module",1:"std:label"},
		objects:{"":[[0,0,0,"-","sdk"],[0,1,1,"","sdk"]]}}`
	idx, err := Load(strings.NewReader(src))
	require.NoError(t, err)
	assert.Len(t, idx.Objects("sdk"), 2)
}

func TestJSToJSON(t *testing.T) {
	got, err := jsToJSON(`{a:'it\'s', "b":[1,2,], 3:"x'y", c:true, d:null,}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"it's","b":[1,2],"3":"x'y","c":true,"d":null}`, string(got))

	_, err = jsToJSON(`{a:"open`)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = jsToJSON(`{a:function(){}}`)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
