package clients

import (
	"slices"
	"sync"

	"github.com/elements-storage/AudioLoopback/internal/taskq"
)

// TaskQueue is the slice of the driver task queue the client map needs
// to request live/shadow swaps.
type TaskQueue interface {
	QueueSync(kind taskq.Kind, onRealTimeWorker bool, arg1, arg2 uint64) (uint64, error)
}

// mapSet is one complete set of client indexes. The primary index holds
// client records by value; the secondary indexes hold ids, so the two
// copies of a client in the live and shadow sets stay independent.
type mapSet struct {
	byID       map[uint32]Client
	byPID      map[int32][]uint32
	byBundleID map[string][]uint32
}

func newMapSet() *mapSet {
	return &mapSet{
		byID:       map[uint32]Client{},
		byPID:      map[int32][]uint32{},
		byBundleID: map[string][]uint32{},
	}
}

func (ms *mapSet) add(client Client) error {
	if _, taken := ms.byID[client.ID]; taken {
		return ErrInvalidClient
	}

	ms.byID[client.ID] = client
	ms.byPID[client.ProcessID] = append(ms.byPID[client.ProcessID], client.ID)

	if client.BundleID != "" {
		ms.byBundleID[client.BundleID] = append(ms.byBundleID[client.BundleID], client.ID)
	}

	return nil
}

func (ms *mapSet) remove(clientID uint32) (Client, error) {
	client, found := ms.byID[clientID]
	if !found {
		return Client{}, ErrInvalidClient
	}

	delete(ms.byID, clientID)
	ms.byPID[client.ProcessID] = deleteID(ms.byPID[client.ProcessID], clientID)
	if len(ms.byPID[client.ProcessID]) == 0 {
		delete(ms.byPID, client.ProcessID)
	}

	if client.BundleID != "" {
		ms.byBundleID[client.BundleID] = deleteID(ms.byBundleID[client.BundleID], clientID)
		if len(ms.byBundleID[client.BundleID]) == 0 {
			delete(ms.byBundleID, client.BundleID)
		}
	}

	return client, nil
}

func (ms *mapSet) update(client Client) {
	ms.byID[client.ID] = client
}

func deleteID(ids []uint32, clientID uint32) []uint32 {
	return slices.DeleteFunc(ids, func(id uint32) bool { return id == clientID })
}

// Map holds the live and shadow index sets and the swap protocol gluing
// them together. All mutation runs through mutate: apply the change to
// the shadow set, have the real-time worker swap the sets, then apply
// the same change again so the sets end up identical.
type Map struct {
	queue TaskQueue

	// liveMutex guards the live set. Real-time readers take it, so it
	// must only ever be held for pointer swaps and map lookups.
	liveMutex sync.Mutex

	// shadowMutex guards the shadow set and serializes writers. Safe
	// to hold across non-real-time-safe work.
	shadowMutex sync.Mutex

	live   *mapSet
	shadow *mapSet

	// pastClients remembers per-application settings by bundle id so a
	// reconnecting app inherits them.
	pastClients map[string]Client
}

// NewMap returns an empty client map. The task queue is attached later,
// once it exists, because the queue's real-time handler needs the map.
func NewMap() *Map {
	return &Map{
		live:   newMapSet(),
		shadow: newMapSet(),

		pastClients: map[string]Client{},
	}
}

// SetTaskQueue attaches the queue used for shadow swaps. Must be called
// before any mutating operation.
func (m *Map) SetTaskQueue(queue TaskQueue) {
	m.queue = queue
}

// AddClient registers a new client. If an earlier client with the same
// bundle id was registered, its settings carry over. Returns
// ErrInvalidClient when the id is already in use.
func (m *Map) AddClient(client Client) error {
	m.shadowMutex.Lock()
	defer m.shadowMutex.Unlock()

	if past, found := m.pastClients[client.BundleID]; found && client.BundleID != "" {
		client.RelativeVolume = past.RelativeVolume
	}

	if err := m.shadow.add(client); err != nil {
		return err
	}

	if err := m.swapInShadowMaps(); err != nil {
		// The swap never ran, so the client only exists in the shadow
		// set. Take it back out to keep the sets identical.
		_, _ = m.shadow.remove(client.ID)
		return err
	}

	// The old live set, now the shadow, is still missing the client.
	// Errors are impossible here: the sets were identical before the
	// first add.
	_ = m.shadow.add(client)

	// Recorded on add rather than on remove because some apps register
	// several clients under one bundle id and they should all share
	// settings.
	if client.BundleID != "" {
		m.pastClients[client.BundleID] = client
	}

	return nil
}

// RemoveClient deregisters a client and returns its last record.
// Returns ErrInvalidClient for an unknown id.
func (m *Map) RemoveClient(clientID uint32) (Client, error) {
	m.shadowMutex.Lock()
	defer m.shadowMutex.Unlock()

	client, err := m.shadow.remove(clientID)
	if err != nil {
		return Client{}, err
	}

	if err := m.swapInShadowMaps(); err != nil {
		_ = m.shadow.add(client)
		return Client{}, err
	}

	_, _ = m.shadow.remove(clientID)

	return client, nil
}

// GetClientRT looks a client up in the live set. Safe to call from a
// real-time context: the critical section is a map lookup and a struct
// copy.
func (m *Map) GetClientRT(clientID uint32) (Client, bool) {
	m.liveMutex.Lock()
	defer m.liveMutex.Unlock()

	client, found := m.live.byID[clientID]
	return client, found
}

// GetClientNonRT looks a client up in the shadow set, which may lag the
// live set by an in-flight mutation. Non-real-time callers use this so
// they never contend with real-time readers.
func (m *Map) GetClientNonRT(clientID uint32) (Client, bool) {
	m.shadowMutex.Lock()
	defer m.shadowMutex.Unlock()

	client, found := m.shadow.byID[clientID]
	return client, found
}

// GetClientsByPID returns all clients registered by one process.
func (m *Map) GetClientsByPID(processID int32) []Client {
	m.shadowMutex.Lock()
	defer m.shadowMutex.Unlock()

	return m.collect(m.shadow.byPID[processID])
}

// GetClientsByBundleID returns all clients sharing a bundle id.
func (m *Map) GetClientsByBundleID(bundleID string) []Client {
	m.shadowMutex.Lock()
	defer m.shadowMutex.Unlock()

	return m.collect(m.shadow.byBundleID[bundleID])
}

func (m *Map) collect(ids []uint32) []Client {
	found := make([]Client, 0, len(ids))
	for _, id := range ids {
		if client, ok := m.shadow.byID[id]; ok {
			found = append(found, client)
		}
	}

	return found
}

// UpdateClientIOStateNonRT flips a client's doing-IO flag in both sets.
func (m *Map) UpdateClientIOStateNonRT(clientID uint32, doingIO bool) error {
	return m.updateClient(clientID, func(client *Client) {
		client.DoingIO = doingIO
	})
}

// SetClientVolumeNonRT sets a client's relative volume in both sets and
// remembers it for future clients of the same application.
func (m *Map) SetClientVolumeNonRT(clientID uint32, volume float32) error {
	return m.updateClient(clientID, func(client *Client) {
		client.RelativeVolume = volume
	})
}

func (m *Map) updateClient(clientID uint32, change func(*Client)) error {
	m.shadowMutex.Lock()
	defer m.shadowMutex.Unlock()

	client, found := m.shadow.byID[clientID]
	if !found {
		return ErrInvalidClient
	}

	original := client
	change(&client)

	m.shadow.update(client)
	if err := m.swapInShadowMaps(); err != nil {
		m.shadow.update(original)
		return err
	}
	m.shadow.update(client)

	if client.BundleID != "" {
		m.pastClients[client.BundleID] = client
	}

	return nil
}

// swapInShadowMaps asks the real-time worker to perform the swap.
// Callers must hold the shadow mutex. A non-nil error means the swap
// never happened and the caller's shadow mutation must be unwound.
func (m *Map) swapInShadowMaps() error {
	_, err := m.queue.QueueSync(taskq.KindSwapShadowMaps, true, 0, 0)
	return err
}

// SwapInShadowMapsRT exchanges the live and shadow sets. Must only be
// called by the task queue's real-time worker, while a writer holds the
// shadow mutex. The live mutex is held just long enough to exchange two
// pointers.
func (m *Map) SwapInShadowMapsRT() {
	m.liveMutex.Lock()
	defer m.liveMutex.Unlock()

	m.live, m.shadow = m.shadow, m.live
}
