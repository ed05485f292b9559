package commands

import (
	"github.com/spf13/viper"

	"github.com/pbalcer/nvml/heap"
	"github.com/pbalcer/nvml/plog"
	"github.com/pbalcer/nvml/pmem"
)

// openPool opens path and returns a ready Heap, replaying its redo logs
// and rebuilding volatile container state as heap.Open always does.
func openPool(path string) (*heap.Heap, error) {
	b, err := pmem.OpenFileBackend(path, 0)
	if err != nil {
		return nil, err
	}
	h, err := heap.Open(b, heapConfigFromViper())
	if err != nil {
		b.Close()
		return nil, err
	}
	return h, nil
}

func heapConfigFromViper() heap.Config {
	plog.Init(plog.Config{Level: viper.GetString("log_level"), Format: viper.GetString("log_format")})
	return heap.Config{
		ChunkSize:     viper.GetUint64("chunk_size"),
		ChunksPerZone: viper.GetUint64("chunks_per_zone"),
		InfoSlots:     viper.GetInt("info_slots"),
		NumLanes:      viper.GetInt("num_lanes"),
		LaneLogCap:    viper.GetInt("lane_log_cap"),
		PoolName:      viper.GetString("pool_name"),
		Logger:        plog.Named("heap"),
	}
}
