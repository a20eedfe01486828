// Package pdb provides high-level access to the debug information stream of
// Microsoft PDB files.
package pdb

// PDBInfo contains basic PDB file information.
type PDBInfo struct {
	GUID         string            `json:"guid" yaml:"guid"`
	Age          uint32            `json:"age" yaml:"age"`
	Signature    uint32            `json:"signature" yaml:"signature"`
	Version      uint32            `json:"version" yaml:"version"`
	DBIVersion   string            `json:"dbi_version" yaml:"dbi_version"`
	DBIAge       uint32            `json:"dbi_age" yaml:"dbi_age"`
	Toolchain    string            `json:"toolchain" yaml:"toolchain"`
	Machine      string            `json:"machine" yaml:"machine"`
	Incremental  bool              `json:"incremental" yaml:"incremental"`
	Stripped     bool              `json:"stripped" yaml:"stripped"`
	BlockSize    uint32            `json:"block_size" yaml:"block_size"`
	Streams      int               `json:"streams" yaml:"streams"`
	NamedStreams map[string]uint32 `json:"named_streams,omitempty" yaml:"named_streams,omitempty"`
}

// ModuleInfo represents information about a compiled module.
type ModuleInfo struct {
	Index          int      `json:"index" yaml:"index"`
	Name           string   `json:"name" yaml:"name"`
	ObjectFile     string   `json:"object_file" yaml:"object_file"`
	SymbolStream   uint16   `json:"symbol_stream" yaml:"symbol_stream"`
	SymbolSize     uint32   `json:"symbol_size" yaml:"symbol_size"`
	LinesSize      uint32   `json:"lines_size" yaml:"lines_size"`
	Section        uint16   `json:"section" yaml:"section"`
	Offset         int32    `json:"offset" yaml:"offset"`
	Size           int32    `json:"size" yaml:"size"`
	SourceFiles    int      `json:"source_files" yaml:"source_files"`
	FirstFileIndex int      `json:"first_file_index" yaml:"first_file_index"`
	Files          []string `json:"files,omitempty" yaml:"files,omitempty"`
}

// SectionContribution is a range of an image section produced by one
// module.
type SectionContribution struct {
	Section         uint16  `json:"section" yaml:"section"`
	Offset          int32   `json:"offset" yaml:"offset"`
	Size            int32   `json:"size" yaml:"size"`
	Characteristics uint32  `json:"characteristics" yaml:"characteristics"`
	Module          uint16  `json:"module" yaml:"module"`
	ModuleName      string  `json:"module_name,omitempty" yaml:"module_name,omitempty"`
	DataCrc         uint32  `json:"data_crc" yaml:"data_crc"`
	RelocCrc        uint32  `json:"reloc_crc" yaml:"reloc_crc"`
	COFFSection     *uint32 `json:"coff_section,omitempty" yaml:"coff_section,omitempty"`
}

// SectionInfo represents a PE section.
type SectionInfo struct {
	Index           uint16 `json:"index" yaml:"index"`                   // 1-based section index
	Name            string `json:"name,omitempty" yaml:"name,omitempty"` // Section name (e.g., ".text", ".data")
	Offset          uint32 `json:"offset" yaml:"offset"`                 // Virtual address (RVA base)
	Length          uint32 `json:"length" yaml:"length"`                 // Section length in bytes
	Characteristics uint32 `json:"characteristics" yaml:"characteristics"`
}

// SectionMapEntry is one logical segment of the section map.
type SectionMapEntry struct {
	Frame       uint16 `json:"frame" yaml:"frame"`
	Flags       uint16 `json:"flags" yaml:"flags"`
	Offset      uint32 `json:"offset" yaml:"offset"`
	Length      uint32 `json:"length" yaml:"length"`
	Read        bool   `json:"read" yaml:"read"`
	Write       bool   `json:"write" yaml:"write"`
	Execute     bool   `json:"execute" yaml:"execute"`
	Absolute    bool   `json:"absolute,omitempty" yaml:"absolute,omitempty"`
	Group       bool   `json:"group,omitempty" yaml:"group,omitempty"`
	SectionName uint16 `json:"section_name" yaml:"section_name"`
	ClassName   uint16 `json:"class_name" yaml:"class_name"`
}

// FPORecord is a legacy frame pointer omission record.
type FPORecord struct {
	Offset          uint32 `json:"offset" yaml:"offset"`
	Size            uint32 `json:"size" yaml:"size"`
	Locals          uint32 `json:"locals" yaml:"locals"`
	Params          uint16 `json:"params" yaml:"params"`
	PrologSize      uint8  `json:"prolog_size" yaml:"prolog_size"`
	SavedRegisters  uint8  `json:"saved_registers" yaml:"saved_registers"`
	HasSEH          bool   `json:"has_seh" yaml:"has_seh"`
	UsesBasePointer bool   `json:"uses_base_pointer" yaml:"uses_base_pointer"`
	FrameType       string `json:"frame_type" yaml:"frame_type"`
}

// FrameDataRecord is a new-style FPO record with its frame program
// resolved through the /names string table.
type FrameDataRecord struct {
	RVA             uint32 `json:"rva" yaml:"rva"`
	CodeSize        uint32 `json:"code_size" yaml:"code_size"`
	LocalSize       uint32 `json:"local_size" yaml:"local_size"`
	ParamsSize      uint32 `json:"params_size" yaml:"params_size"`
	MaxStackSize    uint32 `json:"max_stack_size" yaml:"max_stack_size"`
	PrologSize      uint16 `json:"prolog_size" yaml:"prolog_size"`
	SavedRegsSize   uint16 `json:"saved_regs_size" yaml:"saved_regs_size"`
	Program         string `json:"program,omitempty" yaml:"program,omitempty"`
	HasSEH          bool   `json:"has_seh" yaml:"has_seh"`
	HasEH           bool   `json:"has_eh" yaml:"has_eh"`
	IsFunctionStart bool   `json:"is_function_start" yaml:"is_function_start"`
}
