package streams

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jtang613/pdbdbi/pkg/pdb/internal/binreader"
)

// InvalidStreamIndex marks an absent stream in every 16-bit stream index
// field of the DBI stream.
const InvalidStreamIndex = 0xFFFF

// ModuleInfoHeaderSize is the size of the fixed part of a module
// descriptor.
const ModuleInfoHeaderSize = 64

// fileNameCacheSize bounds the number of distinct file names memoized per
// module list.
const fileNameCacheSize = 4096

// ModuleFlags are the flags of a module descriptor.
type ModuleFlags uint16

// Written reports whether the module's debug info was written.
func (f ModuleFlags) Written() bool { return f&0x1 != 0 }

// ECEnabled reports whether the module was compiled with edit and continue.
func (f ModuleFlags) ECEnabled() bool { return f&0x2 != 0 }

// TypeServerIndex returns the type server used by the module.
func (f ModuleFlags) TypeServerIndex() uint8 { return uint8(f >> 8) }

// ModuleInfo is the fixed header of a module descriptor.
type ModuleInfo struct {
	Unused1              uint32 // legacy "currently open module" pointer, ignored
	SectionContrib       SectionContrib
	Flags                ModuleFlags
	ModuleSymStream      uint16 // Stream containing module symbols (0xFFFF if none)
	SymByteSize          uint32 // Size of symbol data in bytes
	C11ByteSize          uint32 // Size of C11 line info
	C13ByteSize          uint32 // Size of C13 line info
	SourceFileCount      uint16
	Padding              uint16
	Unused2              uint32 // legacy file name offsets pointer, ignored
	SourceFileNameIndex  uint32
	PdbFilePathNameIndex uint32
}

func readModuleInfo(r *binreader.Reader) ModuleInfo {
	return ModuleInfo{
		Unused1:              r.U32(),
		SectionContrib:       readSectionContrib(r),
		Flags:                ModuleFlags(r.U16()),
		ModuleSymStream:      r.U16(),
		SymByteSize:          r.U32(),
		C11ByteSize:          r.U32(),
		C13ByteSize:          r.U32(),
		SourceFileCount:      r.U16(),
		Padding:              r.U16(),
		Unused2:              r.U32(),
		SourceFileNameIndex:  r.U32(),
		PdbFilePathNameIndex: r.U32(),
	}
}

// ModuleDescriptor describes one object file or import linked into the
// image.
type ModuleDescriptor struct {
	ModuleInfo
	ModuleName  string // Object file name
	ObjFileName string // Archive or object file path

	// StartingFileIndex is the position of the module's first entry in the
	// module list's file name offset table.
	StartingFileIndex int

	index int
	list  *ModuleList

	filesOnce sync.Once
	files     []string
	filesErr  error
}

func readModuleDescriptor(r *binreader.Reader) (*ModuleDescriptor, error) {
	start := r.Pos()
	mod := &ModuleDescriptor{ModuleInfo: readModuleInfo(r)}
	mod.ModuleName = r.CString()
	mod.ObjFileName = r.CString()
	// Descriptors are aligned at 4 bytes.
	r.Align(4)
	if err := r.Err(); err != nil {
		return nil, truncated(fmtOffset("module descriptor", start), err)
	}
	return mod, nil
}

// Index returns the position of the module in link order.
func (m *ModuleDescriptor) Index() int { return m.index }

// HasSymbols returns true if the module has symbol information.
func (m *ModuleDescriptor) HasSymbols() bool {
	return m.ModuleSymStream != InvalidStreamIndex && m.SymByteSize > 0
}

// FileCount returns the number of source files contributing to the module,
// as recorded in the file info substream.
func (m *ModuleDescriptor) FileCount() int {
	return m.list.moduleFileCount(m.index)
}

// Files returns the names of the module's source files. The result is
// computed once and shared; callers must not modify it.
func (m *ModuleDescriptor) Files() ([]string, error) {
	m.filesOnce.Do(func() {
		n := m.FileCount()
		files := make([]string, n)
		for i := 0; i < n; i++ {
			name, err := m.list.FileName(m.StartingFileIndex + i)
			if err != nil {
				m.filesErr = err
				return
			}
			files[i] = name
		}
		m.files = files
	})
	return m.files, m.filesErr
}

// ModuleList is the ordered list of module descriptors together with the
// shared file name tables of the file info substream.
type ModuleList struct {
	modules []*ModuleDescriptor

	declaredSourceFiles uint16
	fileCounts          []uint16
	fileNameOffsets     []uint32
	names               []byte
	nameCache           *lru.Cache
}

// parseModuleList decodes the module info substream and joins it with the
// file info substream.
func parseModuleList(modInfo, fileInfo []byte) (*ModuleList, error) {
	list := &ModuleList{}

	r := binreader.New("module info substream", modInfo)
	for r.Remaining() > 0 {
		mod, err := readModuleDescriptor(r)
		if err != nil {
			return nil, err
		}
		mod.index = len(list.modules)
		mod.list = list
		list.modules = append(list.modules, mod)
	}

	if len(fileInfo) == 0 {
		return list, nil
	}

	// Header:
	//   uint16 NumModules
	//   uint16 NumSourceFiles
	// followed by
	//   uint16 ModIndices[NumModules]
	//   uint16 ModFileCounts[NumModules]
	//   uint32 FileNameOffsets[sum(ModFileCounts)]
	//   char   Names[]
	fr := binreader.New("file info substream", fileInfo)
	numModules := int(fr.U16())
	list.declaredSourceFiles = fr.U16()
	if err := fr.Err(); err != nil {
		return nil, truncated("file info header", err)
	}
	if len(list.modules) != numModules {
		return nil, consistencyf("inconsistent number of modules: module info has %d, file info declares %d",
			len(list.modules), numModules)
	}
	fr.Skip(numModules * 2) // module indices, unused
	list.fileCounts = fr.U16Array(numModules)
	if err := fr.Err(); err != nil {
		return nil, truncated("file info header", err)
	}

	// NumSourceFiles is 16 bits wide and wraps for large programs, so the
	// real count is the sum of the per-module counts.
	total := 0
	for _, n := range list.fileCounts {
		total += int(n)
	}
	list.fileNameOffsets = fr.U32Array(total)
	list.names = fr.Rest("file names").Data()
	if err := fr.Err(); err != nil {
		return nil, truncated("file name offsets", err)
	}

	next := 0
	for i, mod := range list.modules {
		mod.StartingFileIndex = next
		next += int(list.fileCounts[i])
	}

	cache, err := lru.New(fileNameCacheSize)
	if err != nil {
		return nil, err
	}
	list.nameCache = cache
	return list, nil
}

// Len returns the number of modules.
func (l *ModuleList) Len() int { return len(l.modules) }

// Module returns the i-th module in link order.
func (l *ModuleList) Module(i int) *ModuleDescriptor { return l.modules[i] }

// Modules returns all modules in link order.
func (l *ModuleList) Modules() []*ModuleDescriptor { return l.modules }

// SourceFileCount returns the total number of file name entries, computed
// from the per-module counts.
func (l *ModuleList) SourceFileCount() int { return len(l.fileNameOffsets) }

// DeclaredSourceFileCount returns the 16-bit count stored in the file info
// header. It is not reliable and is exposed for diagnostics only.
func (l *ModuleList) DeclaredSourceFileCount() uint16 { return l.declaredSourceFiles }

func (l *ModuleList) moduleFileCount(i int) int {
	if i >= len(l.fileCounts) {
		return 0
	}
	return int(l.fileCounts[i])
}

// FileName returns the name of the file at fileIndex in the shared file
// name offset table.
func (l *ModuleList) FileName(fileIndex int) (string, error) {
	if fileIndex < 0 || fileIndex >= len(l.fileNameOffsets) {
		return "", structuralf("file index %d out of range [0, %d)", fileIndex, len(l.fileNameOffsets))
	}
	off := l.fileNameOffsets[fileIndex]
	if v, ok := l.nameCache.Get(off); ok {
		return v.(string), nil
	}
	if int64(off) >= int64(len(l.names)) {
		return "", structuralf("file name offset %#x outside names buffer of %d bytes", off, len(l.names))
	}
	r := binreader.New("file names", l.names)
	r.Seek(int(off))
	name := r.CString()
	if err := r.Err(); err != nil {
		return "", truncated("file name", err)
	}
	l.nameCache.Add(off, name)
	return name, nil
}
