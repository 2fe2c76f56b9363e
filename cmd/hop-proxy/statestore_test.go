package main

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"tailscale.com/ipn"
)

func TestK8sStateStore(t *testing.T) {
	cs := fake.NewClientset()
	store := &k8sStateStore{
		clientset: cs,
		namespace: "netroute",
		secret:    "hop-state",
		name:      "hop1",
	}

	if _, err := store.ReadState("_machinekey"); !errors.Is(err, ipn.ErrStateNotExist) {
		t.Fatalf("ReadState on missing secret: %v", err)
	}

	if err := store.WriteState("_machinekey", []byte("key-1")); err != nil {
		t.Fatalf("WriteState (create): %v", err)
	}
	if _, err := store.ReadState("_current-profile"); !errors.Is(err, ipn.ErrStateNotExist) {
		t.Fatalf("ReadState on missing key: %v", err)
	}
	if err := store.WriteState("_current-profile", []byte("profile")); err != nil {
		t.Fatalf("WriteState (update): %v", err)
	}
	if err := store.WriteState("_machinekey", []byte("key-2")); err != nil {
		t.Fatalf("WriteState (overwrite): %v", err)
	}

	got, err := store.ReadState("_machinekey")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "key-2" {
		t.Errorf("ReadState = %q, want key-2", got)
	}

	// A second node sharing the secret does not see the first node's state.
	other := &k8sStateStore{clientset: cs, namespace: "netroute", secret: "hop-state", name: "hop2"}
	if _, err := other.ReadState("_machinekey"); !errors.Is(err, ipn.ErrStateNotExist) {
		t.Errorf("ReadState from another node: %v", err)
	}
	if err := other.WriteState("_machinekey", []byte("other")); err != nil {
		t.Fatal(err)
	}

	all := map[ipn.StateKey]string{}
	for k, v := range store.All() {
		all[k] = string(v)
	}
	want := map[ipn.StateKey]string{"_machinekey": "key-2", "_current-profile": "profile"}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("All() (-want +got):\n%s", diff)
	}

	sec, err := cs.CoreV1().Secrets("netroute").Get(context.Background(), "hop-state", metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sec.Data) != 3 {
		t.Errorf("secret has %d keys, want 3: %v", len(sec.Data), sec.Data)
	}
}

func TestK8sStateStoreDataKey(t *testing.T) {
	store := &k8sStateStore{name: "hop:1"}
	if got := store.dataKey("profile/abc"); got != "hop_1.profile_abc" {
		t.Errorf("dataKey = %q", got)
	}
}
