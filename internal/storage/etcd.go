package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tankwise/tanksync/internal/retry"
)

// EtcdKV is the part of the etcd client the store uses
type EtcdKV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

// Etcd stores preferences under <prefix>/<namespace>/<key>
type Etcd struct {
	kv     EtcdKV
	client *clientv3.Client
	prefix string
}

// NewEtcd wraps an etcd KV with a key prefix
func NewEtcd(kv EtcdKV, prefix string) *Etcd {
	return &Etcd{kv: kv, prefix: prefix}
}

// OpenEtcd connects with retry using a DSN of the form
// etcd://[user:password@]host1:port1[,host2:port2]/[prefix]?param=value
func OpenEtcd(ctx context.Context, dsn string) (*Etcd, error) {
	config, err := parseEtcdDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}

	var client *clientv3.Client
	err = retry.WithOperation(ctx, retry.EtcdDefaults(), func() error {
		var attemptErr error
		client, attemptErr = clientv3.New(*config)
		if attemptErr != nil {
			return attemptErr
		}
		if _, testErr := client.Get(ctx, "healthcheck"); testErr != nil {
			_ = client.Close()
			return testErr
		}
		return nil
	}, "etcd-connect")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	prefix := getPrefix(dsn)
	logrus.WithFields(logrus.Fields{
		"component": "storage",
		"endpoints": config.Endpoints,
		"prefix":    prefix,
	}).Info("Connected to etcd successfully")
	return &Etcd{kv: client, client: client, prefix: prefix}, nil
}

func (e *Etcd) key(namespace, key string) string {
	return path.Join(e.prefix, namespace, key)
}

func (e *Etcd) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	resp, err := e.kv.Get(ctx, e.key(namespace, key))
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", e.key(namespace, key), err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (e *Etcd) Put(ctx context.Context, namespace, key, value string) error {
	resp, err := e.kv.Put(ctx, e.key(namespace, key), value)
	if err != nil {
		return fmt.Errorf("failed to put key %s: %w", e.key(namespace, key), err)
	}
	logrus.WithFields(logrus.Fields{
		"key":      e.key(namespace, key),
		"revision": resp.Header.Revision,
	}).Debug("Put key to etcd")
	return nil
}

// PutAll writes all pairs in one transaction
func (e *Etcd) PutAll(ctx context.Context, namespace string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	ops := make([]clientv3.Op, 0, len(values))
	for _, k := range sortedKeys(values) {
		ops = append(ops, clientv3.OpPut(e.key(namespace, k), values[k]))
	}
	if _, err := e.kv.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("failed to write namespace %s: %w", namespace, err)
	}
	return nil
}

func (e *Etcd) Delete(ctx context.Context, namespace, key string) error {
	if _, err := e.kv.Delete(ctx, e.key(namespace, key)); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", e.key(namespace, key), err)
	}
	return nil
}

func (e *Etcd) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// parseEtcdDSN parses etcd DSN format: etcd://[user:password@]host1:port1[,host2:port2]/[prefix]?param=value
func parseEtcdDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return nil, fmt.Errorf("etcd DSN is required")
	}
	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, fmt.Errorf("etcd DSN must start with etcd://")
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379" // Default etcd port
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	if u.User != nil {
		config.Username = u.User.Username()
		if password, ok := u.User.Password(); ok {
			config.Password = password
		}
	}

	params := u.Query()
	if timeout := params.Get("dial_timeout"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.DialTimeout = d
		}
	}
	if username := params.Get("username"); username != "" {
		config.Username = username
	}
	if password := params.Get("password"); password != "" {
		config.Password = password
	}
	if params.Get("tls") == "enabled" {
		config.TLS = &tls.Config{
			InsecureSkipVerify: params.Get("tls_verify") == "disabled",
		}
	}
	return config, nil
}

// getPrefix extracts the key prefix from the etcd DSN path
func getPrefix(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Path == "" {
		return "/tanksync"
	}
	return u.Path
}
