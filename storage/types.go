package storage

// PageID identifies a page on disk.
type PageID = uint32

// PageSize is the fixed size, in bytes, of every page this package reads or
// writes. It matches the default page size used by Config.
const PageSize = 4096
