package app

import (
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"aptsync/internal/adapters"
	"aptsync/internal/core"
	"aptsync/internal/ports"
	"aptsync/internal/types"
)

type Service struct {
	Config       types.Config
	Fetcher      ports.FetcherPort
	Decompressor ports.DecompressorPort
	HashCache    ports.HashCachePort
	Signatures   ports.SignatureVerifierPort
	Sources      ports.SourceListPort
	State        ports.KeyValuePort
	Files        ports.FileStorePort
	Registry     *Registry
	Builder      core.CatalogBuilder
	Layout       core.CacheLayout
	Clock        func() time.Time

	events *eventBus
	syncMu *sync.Mutex
}

func NewService(cfg types.Config) (Service, error) {
	if strings.TrimSpace(cfg.CacheDir) == "" {
		return Service{}, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("cache directory is required")
	}
	if !cfg.Host.Primary.Known() {
		cfg.Host = types.NewHostArchitectures("", nil)
	}
	var signatures ports.SignatureVerifierPort
	if cfg.VerifySignatures {
		verifier, err := adapters.NewOpenPGPVerifierAdapter(cfg.Keyrings)
		if err != nil {
			return Service{}, err
		}
		if verifier.Len() == 0 {
			return Service{}, errbuilder.New().
				WithCode(errbuilder.CodeFailedPrecondition).
				WithMsg("signature verification needs at least one keyring")
		}
		signatures = verifier
	}
	return Service{
		Config:       cfg,
		Fetcher:      adapters.NewHTTPFetcherAdapter(nil, cfg.UserAgent),
		Decompressor: adapters.NewDecompressorAdapter(),
		HashCache:    adapters.NewHashCacheFileAdapter(cfg.HashCachePath()),
		Signatures:   signatures,
		Sources:      adapters.NewSourceListAdapter(),
		State:        adapters.NewYAMLStoreAdapter(cfg.StatePath()),
		Files:        adapters.NewFileStoreAdapter(cfg.PartialDir()),
		Registry:     NewRegistry(),
		Builder:      core.NewCatalogBuilder(core.NewVersionComparator()),
		Layout:       core.CacheLayout{ListsDir: cfg.ListsDir()},
		Clock:        time.Now,
		events:       newEventBus(),
		syncMu:       &sync.Mutex{},
	}, nil
}

// Subscribe delivers one SyncEvent per repository that reaches a terminal
// state. The returned func unsubscribes; the channel is never closed.
func (s Service) Subscribe(buffer int) (<-chan types.SyncEvent, func()) {
	return s.events.subscribe(buffer)
}

func preferredArchKey(repo types.Repository) string {
	return "preferred_arch/" + repo.Key()
}

func nameKey(repo types.Repository) string {
	return "name/" + repo.Key()
}
