package ports

import (
	"context"
	"io"
	"reflect"
	"testing"

	"torrentstream/mediaengine/internal/domain"
)

func TestTorrentDownloaderInterface(t *testing.T) {
	typ := reflect.TypeOf((*TorrentDownloader)(nil)).Elem()

	assertMethod(t, typ, "FetchTorrent", []reflect.Type{
		contextType(),
		reflect.TypeOf(""),
	}, []reflect.Type{
		reflect.TypeOf((*TorrentHandle)(nil)).Elem(),
		errorType(),
	})

	assertMethod(t, typ, "StartDownload", []reflect.Type{
		contextType(),
		reflect.TypeOf((*TorrentHandle)(nil)).Elem(),
	}, []reflect.Type{
		reflect.TypeOf((*TorrentSession)(nil)).Elem(),
		errorType(),
	})

	assertMethod(t, typ, "Close", nil, []reflect.Type{errorType()})
}

func TestTorrentSessionInterface(t *testing.T) {
	typ := reflect.TypeOf((*TorrentSession)(nil)).Elem()

	assertMethod(t, typ, "Files", nil, []reflect.Type{reflect.SliceOf(reflect.TypeOf(domain.TorrentFile{}))})
	assertMethod(t, typ, "Pieces", nil, []reflect.Type{reflect.SliceOf(reflect.TypeOf(domain.Piece{}))})
	assertMethod(t, typ, "PieceState", []reflect.Type{reflect.TypeOf(0)}, []reflect.Type{reflect.TypeOf(domain.PieceState(""))})
	assertMethod(t, typ, "SetFilePriority", []reflect.Type{
		reflect.TypeOf(0),
		reflect.TypeOf(domain.Priority(0)),
	}, []reflect.Type{errorType()})
	assertMethod(t, typ, "FileBytesCompleted", []reflect.Type{reflect.TypeOf(0)}, []reflect.Type{reflect.TypeOf(int64(0))})
	assertMethod(t, typ, "NewReader", []reflect.Type{reflect.TypeOf(0)}, []reflect.Type{
		reflect.TypeOf((*io.ReadSeekCloser)(nil)).Elem(),
		errorType(),
	})
}

func TestMediaCacheRepositoryInterface(t *testing.T) {
	typ := reflect.TypeOf((*MediaCacheRepository)(nil)).Elem()

	assertMethod(t, typ, "Save", []reflect.Type{contextType(), reflect.TypeOf(domain.MediaCacheRecord{})}, []reflect.Type{errorType()})
	assertMethod(t, typ, "Get", []reflect.Type{contextType(), reflect.TypeOf(domain.CacheID(""))}, []reflect.Type{reflect.TypeOf(domain.MediaCacheRecord{}), errorType()})
	assertMethod(t, typ, "List", []reflect.Type{contextType(), reflect.TypeOf(0), reflect.TypeOf(0)}, []reflect.Type{reflect.SliceOf(reflect.TypeOf(domain.MediaCacheRecord{})), errorType()})
	assertMethod(t, typ, "Delete", []reflect.Type{contextType(), reflect.TypeOf(domain.CacheID(""))}, []reflect.Type{errorType()})
}

func assertMethod(t *testing.T, typ reflect.Type, name string, in []reflect.Type, out []reflect.Type) {
	t.Helper()
	method, ok := typ.MethodByName(name)
	if !ok {
		t.Fatalf("missing method %s", name)
	}

	if method.Type.NumIn() != len(in) {
		t.Fatalf("%s NumIn = %d, want %d", name, method.Type.NumIn(), len(in))
	}
	for i, typIn := range in {
		if got := method.Type.In(i); got != typIn {
			t.Fatalf("%s In[%d] = %s, want %s", name, i, got, typIn)
		}
	}

	if method.Type.NumOut() != len(out) {
		t.Fatalf("%s NumOut = %d, want %d", name, method.Type.NumOut(), len(out))
	}
	for i, typOut := range out {
		if got := method.Type.Out(i); got != typOut {
			t.Fatalf("%s Out[%d] = %s, want %s", name, i, got, typOut)
		}
	}
}

func contextType() reflect.Type {
	return reflect.TypeOf((*context.Context)(nil)).Elem()
}

func errorType() reflect.Type {
	return reflect.TypeOf((*error)(nil)).Elem()
}
