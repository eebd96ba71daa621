package storage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/iudanet/storagerelay/internal/models"
)

// NamespaceSeparator разделяет уровни пространства имен
const NamespaceSeparator = "/"

var unsafeIDChars = regexp.MustCompile(`[\\/:*?<>|]`)

// SanitizeID заменяет символы, небезопасные для путей файловой системы и ключей, на '-'
func SanitizeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "-")
}

// Namespace собирает путь пространства имен из сегментов
func Namespace(segments ...string) string {
	return strings.Join(segments, NamespaceSeparator)
}

// InNamespace reports whether ns equals prefix or is nested in it.
// Empty prefix contains everything.
func InNamespace(ns, prefix string) bool {
	if prefix == "" || ns == prefix {
		return true
	}
	return strings.HasPrefix(ns, prefix+NamespaceSeparator)
}

// ValidateKey проверяет namespace и id перед обращением к backend
func ValidateKey(namespace, id string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: id %q", ErrInvalidKey, id)
	}
	return nil
}

// ValidateNamespace проверяет, что каждый сегмент непустой и не ссылается на родителя
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidKey)
	}
	for _, seg := range strings.Split(namespace, NamespaceSeparator) {
		if seg == "" || seg == "." || seg == ".." || strings.Contains(seg, `\`) {
			return fmt.Errorf("%w: namespace %q", ErrInvalidKey, namespace)
		}
	}
	return nil
}

// CompilePattern компилирует шаблон поиска. Пустой шаблон (или пробелы) означает
// "все" и возвращает nil.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, nil
}

// Matches - nil шаблон совпадает со всем
func Matches(re *regexp.Regexp, s string) bool {
	return re == nil || re.MatchString(s)
}

// FilterIDs оставляет совпадающие с шаблоном ids и сортирует их
func FilterIDs(ids []string, re *regexp.Regexp) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if Matches(re, id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Key - адрес thing в плоском представлении backend'а.
// Пустой ID обозначает пространство имен без things.
type Key struct {
	Namespace string
	ID        string
}

// BuildFoundIDs строит результат FindAllIDs из плоского списка ключей.
// Подходит для backend'ов без нативной иерархии (SQL, S3, memory) и для
// файловой системы после обхода каталога.
func BuildFoundIDs(prefix string, re *regexp.Regexp, keys []Key) []models.FoundID {
	type nsInfo struct {
		parent string
		name   string
		depth  int
	}

	namespaces := make(map[string]nsInfo)
	hasEntries := make(map[string]bool)
	things := make([]models.FoundID, 0)

	for _, k := range keys {
		if !InNamespace(k.Namespace, prefix) {
			continue
		}

		// Регистрируем все промежуточные пространства между prefix и namespace
		rel := strings.TrimPrefix(strings.TrimPrefix(k.Namespace, prefix), NamespaceSeparator)
		if rel != "" {
			parent := prefix
			for depth, seg := range strings.Split(rel, NamespaceSeparator) {
				ns := seg
				if parent != "" {
					ns = parent + NamespaceSeparator + seg
				}
				if _, ok := namespaces[ns]; !ok {
					namespaces[ns] = nsInfo{parent: parent, name: seg, depth: depth}
				}
				parent = ns
			}
		}

		if k.ID != "" && Matches(re, k.ID) {
			things = append(things, models.FoundID{Type: models.FoundThing, Namespace: k.Namespace, ID: k.ID})
			hasEntries[k.Namespace] = true
		}
	}

	// Обрабатываем от самых глубоких: родитель включается, если включен потомок
	names := make([]string, 0, len(namespaces))
	for ns := range namespaces {
		names = append(names, ns)
	}
	sort.Slice(names, func(i, j int) bool {
		di, dj := namespaces[names[i]].depth, namespaces[names[j]].depth
		if di != dj {
			return di > dj
		}
		return names[i] < names[j]
	})

	result := make([]models.FoundID, 0, len(names)+len(things))
	for _, ns := range names {
		info := namespaces[ns]
		if hasEntries[ns] || Matches(re, info.name) {
			result = append(result, models.FoundID{Type: models.FoundStorage, Namespace: info.parent, ID: info.name})
			hasEntries[info.parent] = true
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Namespace != result[j].Namespace {
			return result[i].Namespace < result[j].Namespace
		}
		return result[i].ID < result[j].ID
	})
	sort.SliceStable(things, func(i, j int) bool {
		if things[i].Namespace != things[j].Namespace {
			return things[i].Namespace < things[j].Namespace
		}
		return things[i].ID < things[j].ID
	})

	return append(result, things...)
}
