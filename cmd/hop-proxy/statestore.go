package main

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"tailscale.com/ipn"
)

// k8sStateStore is an ipn.StateStore keeping the tailnet node state in one
// Kubernetes secret. Each state key is stored under "<name>.<key>", so
// several nodes can share a secret.
type k8sStateStore struct {
	clientset kubernetes.Interface
	namespace string
	secret    string
	name      string

	// mu serialises read-modify-write cycles on the secret.
	mu sync.Mutex
}

var _ ipn.StateStore = (*k8sStateStore)(nil)

const k8sTimeout = 10 * time.Second

// dataKey maps a state key to a valid secret data key.
func (s *k8sStateStore) dataKey(id ipn.StateKey) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		}
		return '_'
	}, s.name+"."+string(id))
}

func (s *k8sStateStore) get(ctx context.Context) (*corev1.Secret, error) {
	return s.clientset.CoreV1().Secrets(s.namespace).Get(ctx, s.secret, metav1.GetOptions{})
}

// ReadState implements ipn.StateStore.
func (s *k8sStateStore) ReadState(id ipn.StateKey) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), k8sTimeout)
	defer cancel()

	sec, err := s.get(ctx)
	if apierrors.IsNotFound(err) {
		return nil, ipn.ErrStateNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret %s/%s: %w", s.namespace, s.secret, err)
	}
	v, ok := sec.Data[s.dataKey(id)]
	if !ok {
		return nil, ipn.ErrStateNotExist
	}
	return v, nil
}

// WriteState implements ipn.StateStore.
func (s *k8sStateStore) WriteState(id ipn.StateKey, bs []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), k8sTimeout)
	defer cancel()

	secrets := s.clientset.CoreV1().Secrets(s.namespace)
	sec, err := s.get(ctx)
	if apierrors.IsNotFound(err) {
		_, err = secrets.Create(ctx, &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      s.secret,
				Namespace: s.namespace,
			},
			Data: map[string][]byte{s.dataKey(id): bs},
		}, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("creating secret %s/%s: %w", s.namespace, s.secret, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading secret %s/%s: %w", s.namespace, s.secret, err)
	}

	if sec.Data == nil {
		sec.Data = make(map[string][]byte)
	}
	sec.Data[s.dataKey(id)] = bs
	if _, err := secrets.Update(ctx, sec, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("updating secret %s/%s: %w", s.namespace, s.secret, err)
	}
	return nil
}

// All returns the state stored for this node.
func (s *k8sStateStore) All() iter.Seq2[ipn.StateKey, []byte] {
	return func(yield func(ipn.StateKey, []byte) bool) {
		ctx, cancel := context.WithTimeout(context.Background(), k8sTimeout)
		defer cancel()

		sec, err := s.get(ctx)
		if err != nil {
			return
		}
		prefix := s.dataKey("")
		for k, v := range sec.Data {
			id, ok := strings.CutPrefix(k, prefix)
			if !ok {
				continue
			}
			if !yield(ipn.StateKey(id), v) {
				return
			}
		}
	}
}
