package certstore

import (
	"container/list"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sync"
	"time"

	"bumpproxy/internal/domain"
)

const (
	defaultTTLDays    = 365
	defaultMaxEntries = 1000
)

// Config は証明書ストアの設定を表す.
type Config struct {
	CACertPEM  []byte
	CAKeyPEM   []byte
	LeafKeyPEM []byte // 省略時は2048bitのRSA鍵を生成
	TTLDays    int
	MaxEntries int
	Events     *domain.Events
	Metrics    domain.MetricsCollector
}

// Repository は証明書ストアのリポジトリ実装.
// ホスト名をキーとするLRUでリーフ証明書をキャッシュする.
type Repository struct {
	mu         sync.Mutex
	caCert     *x509.Certificate
	caKey      *rsa.PrivateKey
	caCertPEM  []byte
	leafKey    *rsa.PrivateKey
	leafKeyPEM []byte
	ttlDays    int
	maxAge     time.Duration
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List
	events     *domain.Events
	metrics    domain.MetricsCollector
	now        func() time.Time
}

// Verify interface implementation.
var _ domain.CertificateStore = (*Repository)(nil)

// entry はキャッシュされた証明書エントリ.
type entry struct {
	hostname    string
	pemCert     []byte
	certificate *tls.Certificate
	createdAt   time.Time
}

// New は新しいRepositoryインスタンスを作成.
// 全てのPEMは構築時にパースされ、署名とTLSコンテキスト作成のために保持される.
func New(config Config) (*Repository, error) {
	caCert, err := parseCertificate(config.CACertPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %v", err)
	}

	caKey, err := parsePrivateKey(config.CAKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA private key: %v", err)
	}

	leafKeyPEM := config.LeafKeyPEM
	var leafKey *rsa.PrivateKey
	if leafKeyPEM == nil {
		leafKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("failed to generate leaf key: %v", err)
		}
		leafKeyPEM = encodePrivateKey(leafKey)
	} else {
		leafKey, err = parsePrivateKey(leafKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse leaf private key: %v", err)
		}
	}

	ttlDays := config.TTLDays
	if ttlDays <= 0 {
		ttlDays = defaultTTLDays
	}
	maxEntries := config.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	events := config.Events
	if events == nil {
		events = domain.NewEvents()
	}

	return &Repository{
		caCert:     caCert,
		caKey:      caKey,
		caCertPEM:  config.CACertPEM,
		leafKey:    leafKey,
		leafKeyPEM: leafKeyPEM,
		ttlDays:    ttlDays,
		maxAge:     time.Duration(ttlDays)*24*time.Hour - time.Hour,
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		events:     events,
		metrics:    config.Metrics,
		now:        time.Now,
	}, nil
}

// CACertPEM はCA証明書のPEMを返す.
func (r *Repository) CACertPEM() []byte {
	return r.caCertPEM
}

// Certificate はホスト名に対応するリーフ証明書を返す.
// 検索順は (a) 完全一致, (b) 先頭ラベルを除いた親ドメイン.
// どちらも無ければ新規に発行して完全一致のキーで保存する.
func (r *Repository) Certificate(hostname string) (*tls.Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.lookup(hostname); e != nil {
		return e.certificate, nil
	}
	if parent := domain.ParentDomain(hostname); parent != "" {
		// 親ドメインのワイルドカードSANがこのホストをカバーする
		if e := r.lookup(parent); e != nil {
			return e.certificate, nil
		}
	}

	e, err := r.issue(hostname)
	if err != nil {
		return nil, err
	}
	r.insert(e)
	return e.certificate, nil
}

// TLSConfig はバンプ用のサーバ側TLS設定を返す.
func (r *Repository) TLSConfig(hostname string) (*tls.Config, error) {
	cert, err := r.Certificate(hostname)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// lookup はLRUから有効なエントリを探す. 期限切れは不在として扱う.
func (r *Repository) lookup(hostname string) *entry {
	element, ok := r.entries[hostname]
	if !ok {
		return nil
	}

	e := element.Value.(*entry)
	if r.now().Sub(e.createdAt) > r.maxAge {
		r.order.Remove(element)
		delete(r.entries, hostname)
		return nil
	}

	r.order.MoveToFront(element)
	return e
}

// insert はエントリを登録し、容量超過分を追い出す.
func (r *Repository) insert(e *entry) {
	if element, ok := r.entries[e.hostname]; ok {
		r.order.Remove(element)
	}
	r.entries[e.hostname] = r.order.PushFront(e)

	for len(r.entries) > r.maxEntries {
		oldest := r.order.Back()
		if oldest == nil {
			break
		}
		r.order.Remove(oldest)
		delete(r.entries, oldest.Value.(*entry).hostname)
	}
}

// issue はホスト名に対するリーフ証明書をCA鍵で発行する.
func (r *Repository) issue(hostname string) (*entry, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := r.now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{"UBIO"},
		},
		NotBefore: now.Add(-24 * time.Hour),
		NotAfter:  now.Add(time.Duration(r.ttlDays) * 24 * time.Hour),
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature |
			x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment,
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{hostname, "*." + hostname},
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, r.caCert, &r.leafKey.PublicKey, r.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate for %s: %v", hostname, err)
	}

	pemCert := encodeCertificate(der)
	certificate, err := tls.X509KeyPair(append(append([]byte{}, pemCert...), r.caCertPEM...), r.leafKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to build key pair for %s: %v", hostname, err)
	}

	if r.metrics != nil {
		r.metrics.RecordCertificateIssued()
	}
	r.events.EmitCertificateIssued(domain.CertificateIssuedEvent{
		Hostname: hostname,
		PEM:      pemCert,
	})

	return &entry{
		hostname:    hostname,
		pemCert:     pemCert,
		certificate: &certificate,
		createdAt:   now,
	}, nil
}
