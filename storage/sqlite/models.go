package sqlite

import "github.com/IvanBrykalov/diskcache/storage"

// cacheRow is one record of the cache table. Nil integer columns keep the
// row out of the partial expiry indexes.
type cacheRow struct {
	NormKey            string `gorm:"column:norm_key;primaryKey"`
	EntryKey           string `gorm:"column:entry_key;not null"`
	Data               []byte `gorm:"column:data"`
	Dependencies       []byte `gorm:"column:dependencies"`
	Callbacks          []byte `gorm:"column:callbacks"`
	LastAccessed       *int64 `gorm:"column:last_accessed;index:idx_sliding,priority:1,where:last_accessed IS NOT NULL AND sliding_expiration IS NOT NULL"`
	SlidingExpiration  *int64 `gorm:"column:sliding_expiration;index:idx_sliding,priority:2"`
	AbsoluteExpiration *int64 `gorm:"column:absolute_expiration;index:idx_absolute,where:absolute_expiration IS NOT NULL"`
}

func (cacheRow) TableName() string { return "cache" }

// dependencyRow is one value of a record's multi-valued dependency column.
// The primary key keeps tags unique per record.
type dependencyRow struct {
	NormKey string `gorm:"column:norm_key;primaryKey;index:idx_dependency,priority:2"`
	Tag     string `gorm:"column:tag;primaryKey;index:idx_dependency,priority:1"`
	Seq     int    `gorm:"column:seq;not null"`
}

func (dependencyRow) TableName() string { return "cache_dependencies" }

// indexDef describes how an index is walked: its table, ordering columns
// and partial-index filter. Leading ints columns are integers, the rest
// are text. The last column is always norm_key.
type indexDef struct {
	table string
	cols  []string
	ints  int
	where string
}

// keyCols are the columns a search key is made over.
func (d indexDef) keyCols() []string {
	if len(d.cols) == 1 {
		return d.cols
	}
	return d.cols[:len(d.cols)-1]
}

var indexDefs = map[storage.Index]indexDef{
	storage.PrimaryIndex: {
		table: "cache",
		cols:  []string{"norm_key"},
	},
	storage.DependencyIndex: {
		table: "cache_dependencies",
		cols:  []string{"tag", "norm_key"},
	},
	storage.SlidingIndex: {
		table: "cache",
		cols:  []string{"last_accessed", "sliding_expiration", "norm_key"},
		ints:  2,
		where: "last_accessed IS NOT NULL AND sliding_expiration IS NOT NULL",
	},
	storage.AbsoluteIndex: {
		table: "cache",
		cols:  []string{"absolute_expiration", "norm_key"},
		ints:  1,
		where: "absolute_expiration IS NOT NULL",
	},
}

func nullable(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
