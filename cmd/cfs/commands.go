package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	impl "github.com/SchnorcherSepp/collectionfs/defaultimpl"
	"github.com/SchnorcherSepp/collectionfs/gdrive"
	interf "github.com/SchnorcherSepp/collectionfs/interfaces"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
)

//--------  PUT  -----------------------------------------------------------------------------------------------------//

type putCommand struct {
	file        string
	name        string
	contentType string
	meta        metaFlag
}

func (c *putCommand) Info() *info {
	return &info{Name: "put", Args: "<file>", Purpose: "store a file in all stores and print its id"}
}

func (c *putCommand) SetFlags(f *gnuflag.FlagSet) {
	c.meta = make(metaFlag)
	f.Var(c.meta, "meta", "metadata key=value (repeatable)")
	f.StringVar(&c.name, "name", "", "original name (default: base name of the file)")
	f.StringVar(&c.contentType, "type", "", "content type (default: by extension)")
}

func (c *putCommand) Init(args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly one file")
	}
	c.file = args[0]
	return nil
}

func (c *putCommand) Run(ctx context.Context, env *cmdEnv) error {
	f, err := os.Open(c.file)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return errors.Trace(err)
	}

	orig := interf.Original{
		Name:      c.name,
		Size:      st.Size(),
		Type:      c.contentType,
		UpdatedAt: st.ModTime().UTC(),
	}
	if orig.Name == "" {
		orig.Name = filepath.Base(c.file)
	}
	if orig.Type == "" {
		orig.Type = mime.TypeByExtension(filepath.Ext(orig.Name))
	}

	rec, err := env.coll.Insert(ctx, f, orig, c.meta)
	if rec != nil {
		fmt.Fprintln(env.stdout, rec.ID)
	}
	return err
}

//--------  GET  -----------------------------------------------------------------------------------------------------//

type getCommand struct {
	id     string
	store  string
	out    string
	offset int64
	length int64
}

func (c *getCommand) Info() *info {
	return &info{Name: "get", Args: "<id>", Purpose: "write the content of a file to stdout or -o"}
}

func (c *getCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.store, "store", "", "read from this store (default: first store with a copy)")
	f.StringVar(&c.out, "o", "", "output file")
	f.Int64Var(&c.offset, "offset", 0, "first byte")
	f.Int64Var(&c.length, "length", -1, "number of bytes (-1 = to the end)")
}

func (c *getCommand) Init(args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly one id")
	}
	if c.offset < 0 || c.length < -1 {
		return errors.NotValidf("offset %d, length %d", c.offset, c.length)
	}
	c.id = args[0]
	return nil
}

func (c *getCommand) Run(ctx context.Context, env *cmdEnv) error {
	var w io.Writer = env.stdout
	if c.out != "" {
		f, err := os.Create(c.out)
		if err != nil {
			return errors.Trace(err)
		}
		defer f.Close()
		w = f
	}

	// whole file
	if c.offset == 0 && c.length < 0 {
		rc, err := env.coll.Retrieve(ctx, c.id, c.store)
		if err != nil {
			return errors.Trace(err)
		}
		defer rc.Close()
		_, err = io.Copy(w, rc)
		return errors.Trace(err)
	}

	// range
	ra, err := env.coll.ReaderAt(ctx, c.id, c.store)
	if err != nil {
		return errors.Trace(err)
	}
	n := c.length
	if n < 0 {
		n = ra.Size()
	}
	sub, err := impl.NewSubReaderAt(ra, c.offset, n)
	if err != nil {
		ra.Close()
		return errors.Trace(err)
	}
	defer sub.Close()
	_, err = io.Copy(w, io.NewSectionReader(sub, 0, sub.Size()))
	return errors.Trace(err)
}

//--------  RM  ------------------------------------------------------------------------------------------------------//

type rmCommand struct {
	ids []string
}

func (c *rmCommand) Info() *info {
	return &info{Name: "rm", Args: "<id>...", Purpose: "remove files from all stores"}
}

func (c *rmCommand) SetFlags(*gnuflag.FlagSet) {}

func (c *rmCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("expected at least one id")
	}
	c.ids = args
	return nil
}

func (c *rmCommand) Run(ctx context.Context, env *cmdEnv) error {
	for _, id := range c.ids {
		if err := env.coll.Remove(ctx, id); err != nil {
			return errors.Annotatef(err, "remove %s", id)
		}
	}
	return nil
}

//--------  INFO  ----------------------------------------------------------------------------------------------------//

type infoCommand struct {
	id string
}

func (c *infoCommand) Info() *info {
	return &info{Name: "info", Args: "<id>", Purpose: "show the record of a file"}
}

func (c *infoCommand) SetFlags(*gnuflag.FlagSet) {}

func (c *infoCommand) Init(args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly one id")
	}
	c.id = args[0]
	return nil
}

func (c *infoCommand) Run(ctx context.Context, env *cmdEnv) error {
	rec, err := env.coll.FindOne(ctx, c.id)
	if err != nil {
		return errors.Trace(err)
	}

	w := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "id:\t%s\n", rec.ID)
	fmt.Fprintf(w, "collection:\t%s\n", rec.Collection)
	fmt.Fprintf(w, "name:\t%s\n", rec.Original.Name)
	fmt.Fprintf(w, "type:\t%s\n", rec.Original.Type)
	fmt.Fprintf(w, "size:\t%s (%d bytes)\n", rec.FormattedSize(""), rec.Original.Size)
	fmt.Fprintf(w, "uploaded:\t%s (%s)\n", rec.UploadedAt.Format(time.RFC3339), humanize.Time(rec.UploadedAt))
	if rec.PendingRemoval {
		fmt.Fprintf(w, "pending removal:\tyes\n")
	}
	for _, k := range sortedKeys(rec.Metadata) {
		fmt.Fprintf(w, "meta %s:\t%s\n", k, rec.Metadata[k])
	}
	for _, store := range env.coll.Stores() {
		if ci, ok := rec.Info(store); ok {
			fmt.Fprintf(w, "copy %s:\t%s\t%s\tupdated %s\n", store, ci.Key, rec.FormattedSize(store), humanize.Time(ci.UpdatedAt))
		} else if f, ok := rec.Failures[store]; ok {
			fmt.Fprintf(w, "copy %s:\tmissing\t%s: %s\n", store, f.Kind, f.Message)
		} else {
			fmt.Fprintf(w, "copy %s:\tmissing\n", store)
		}
	}
	return errors.Trace(w.Flush())
}

//--------  FIND  ----------------------------------------------------------------------------------------------------//

type findCommand struct {
	filter  interf.Filter
	meta    metaFlag
	pending bool
}

func (c *findCommand) Info() *info {
	return &info{Name: "find", Purpose: "list the files matching all given filters"}
}

func (c *findCommand) SetFlags(f *gnuflag.FlagSet) {
	c.meta = make(metaFlag)
	f.StringVar(&c.filter.Name, "name", "", "original name")
	f.StringVar(&c.filter.ContentType, "type", "", "content type, example: image/*")
	f.Var(c.meta, "meta", "metadata key=value (repeatable)")
	f.StringVar(&c.filter.StoredIn, "stored", "", "files with a copy in this store")
	f.StringVar(&c.filter.MissingIn, "missing", "", "files without a copy in this store")
	f.BoolVar(&c.pending, "pending", false, "list pending removals instead")
}

func (c *findCommand) Init(args []string) error {
	if len(args) != 0 {
		return errors.New("unexpected arguments")
	}
	return nil
}

func (c *findCommand) Run(ctx context.Context, env *cmdEnv) error {
	if len(c.meta) > 0 {
		c.filter.Metadata = c.meta
	}
	if c.pending {
		c.filter.PendingRemoval = &c.pending
	}
	list, err := env.coll.Find(ctx, c.filter)
	if err != nil {
		return errors.Trace(err)
	}

	w := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	for _, rec := range list {
		stores := make([]string, 0, len(rec.Copies))
		for _, s := range env.coll.Stores() {
			if rec.IsStored(s) {
				stores = append(stores, s)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Original.Name, rec.FormattedSize(""),
			rec.UploadedAt.Format(time.RFC3339), strings.Join(stores, ","))
	}
	return errors.Trace(w.Flush())
}

//--------  META  ----------------------------------------------------------------------------------------------------//

type metaCommand struct {
	id    string
	set   map[string]string
	unset listFlag
}

func (c *metaCommand) Info() *info {
	return &info{Name: "meta", Args: "<id> [key=value]...", Purpose: "set or unset metadata of a file"}
}

func (c *metaCommand) SetFlags(f *gnuflag.FlagSet) {
	f.Var(&c.unset, "unset", "remove this key (repeatable)")
}

func (c *metaCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("expected an id")
	}
	c.id = args[0]
	set := make(metaFlag)
	for _, kv := range args[1:] {
		if err := set.Set(kv); err != nil {
			return errors.Trace(err)
		}
	}
	if len(set) == 0 && len(c.unset) == 0 {
		return errors.New("nothing to change")
	}
	c.set = set
	return nil
}

func (c *metaCommand) Run(ctx context.Context, env *cmdEnv) error {
	rec, err := env.coll.UpdateMetadata(ctx, c.id, c.set, c.unset...)
	if err != nil {
		return errors.Trace(err)
	}
	for _, k := range sortedKeys(rec.Metadata) {
		fmt.Fprintf(env.stdout, "%s=%s\n", k, rec.Metadata[k])
	}
	return nil
}

//--------  REPAIR  --------------------------------------------------------------------------------------------------//

type repairCommand struct {
	id     string
	stores []string
}

func (c *repairCommand) Info() *info {
	return &info{Name: "repair", Args: "<id> [store]...", Purpose: "write missing copies of a file"}
}

func (c *repairCommand) SetFlags(*gnuflag.FlagSet) {}

func (c *repairCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("expected an id")
	}
	c.id, c.stores = args[0], args[1:]
	return nil
}

func (c *repairCommand) Run(ctx context.Context, env *cmdEnv) error {
	rec, err := env.coll.Repair(ctx, c.id, c.stores...)
	if rec != nil {
		for _, store := range env.coll.Stores() {
			state := "missing"
			if rec.IsStored(store) {
				state = "ok"
			}
			fmt.Fprintf(env.stdout, "%s\t%s\n", store, state)
		}
	}
	return err
}

//--------  REWRITE  -------------------------------------------------------------------------------------------------//

type rewriteCommand struct {
	id, store, file string
}

func (c *rewriteCommand) Info() *info {
	return &info{Name: "rewrite", Args: "<id> <store> <file>", Purpose: "replace the copy of one store"}
}

func (c *rewriteCommand) SetFlags(*gnuflag.FlagSet) {}

func (c *rewriteCommand) Init(args []string) error {
	if len(args) != 3 {
		return errors.New("expected <id> <store> <file>")
	}
	c.id, c.store, c.file = args[0], args[1], args[2]
	return nil
}

func (c *rewriteCommand) Run(ctx context.Context, env *cmdEnv) error {
	f, err := os.Open(c.file)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()

	rec, err := env.coll.Rewrite(ctx, c.id, c.store, f)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintf(env.stdout, "%s\t%s\n", c.store, rec.FormattedSize(c.store))
	return nil
}

//--------  SWEEP  ---------------------------------------------------------------------------------------------------//

type sweepCommand struct{}

func (c *sweepCommand) Info() *info {
	return &info{Name: "sweep", Purpose: "retry pending removals"}
}

func (c *sweepCommand) SetFlags(*gnuflag.FlagSet) {}

func (c *sweepCommand) Init(args []string) error {
	if len(args) != 0 {
		return errors.New("unexpected arguments")
	}
	return nil
}

func (c *sweepCommand) Run(ctx context.Context, env *cmdEnv) error {
	n, err := env.coll.SweepPendingRemovals(ctx)
	fmt.Fprintf(env.stdout, "%d removed\n", n)
	return err
}

//--------  URL  -----------------------------------------------------------------------------------------------------//

type urlCommand struct {
	id    string
	store string
}

func (c *urlCommand) Info() *info {
	return &info{Name: "url", Args: "<id>", Purpose: "print the public link of a file"}
}

func (c *urlCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.store, "store", "", "link to the copy of this store")
}

func (c *urlCommand) Init(args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly one id")
	}
	c.id = args[0]
	return nil
}

func (c *urlCommand) Run(ctx context.Context, env *cmdEnv) error {
	rec, err := env.coll.FindOne(ctx, c.id)
	if err != nil {
		return errors.Trace(err)
	}
	link, err := env.coll.URL(rec, c.store)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintln(env.stdout, link)
	return nil
}

//--------  TOKEN  ---------------------------------------------------------------------------------------------------//

type tokenCommand struct {
	credentials string
	token       string
	readonly    bool
}

func (c *tokenCommand) Info() *info {
	return &info{
		Name:     "token",
		Purpose:  "request a Google Drive token for a gdrive store",
		NoConfig: true,
	}
}

func (c *tokenCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.credentials, "credentials", "client_secret.json", "OAuth client file")
	f.StringVar(&c.token, "token", "token.json", "token file to write")
	f.BoolVar(&c.readonly, "readonly", false, "read only scope")
}

func (c *tokenCommand) Init(args []string) error {
	if len(args) != 0 {
		return errors.New("unexpected arguments")
	}
	return nil
}

func (c *tokenCommand) Run(ctx context.Context, env *cmdEnv) error {
	return gdrive.RequestToken(ctx, c.credentials, c.token, c.readonly, env.stdin, env.stdout)
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
